package ruledef

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// repoSQLite stores definitions in the embedded rule store. Ids are kept as
// their text form.
type repoSQLite struct{ db *sql.DB }

func NewRepoSQLite(db *sql.DB) Repository { return &repoSQLite{db: db} }

const sqliteDefCols = `id, token, kind, COALESCE(criteria, ''), COALESCE(source, ''),
	COALESCE(source_key, ''), ttl_seconds, COALESCE(datatype, ''), parameters,
	COALESCE(description, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinitionSQLite(row rowScanner) (*Definition, error) {
	var d Definition
	var id, params string
	err := row.Scan(&id, &d.Token, &d.Kind, &d.Criteria, &d.Source,
		&d.Key, &d.TTLSeconds, &d.Datatype, &params,
		&d.Description, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse id of %q: %w", d.Token, err)
	}
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %q: %w", d.Token, err)
	}
	return &d, nil
}

func mapSQLiteError(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqlErr.Error(), "UNIQUE")) {
			return ErrDuplicateToken
		}
	}
	return err
}

func (r *repoSQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *repoSQLite) Create(ctx context.Context, d *Definition) error {
	params, err := encodeParameters(d)
	if err != nil {
		return err
	}
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rule_definitions (id, token, kind, criteria, source, source_key,
				ttl_seconds, datatype, parameters, description, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			d.ID.String(), d.Token, string(d.Kind), d.Criteria, d.Source, d.Key,
			d.TTLSeconds, string(d.Datatype), string(params), d.Description, d.CreatedAt, d.UpdatedAt); err != nil {
			return err
		}
		return replaceTagsSQLite(ctx, tx, d.ID, d.Tags)
	})
	return mapSQLiteError(err)
}

func (r *repoSQLite) get(ctx context.Context, where string, arg any) (*Definition, error) {
	d, err := scanDefinitionSQLite(r.db.QueryRowContext(ctx, `SELECT `+sqliteDefCols+` FROM rule_definitions WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	if d.Tags, err = r.tags(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return r.get(ctx, `id = ?`, id.String())
}

func (r *repoSQLite) GetByToken(ctx context.Context, token string) (*Definition, error) {
	return r.get(ctx, `token = ?`, token)
}

func (r *repoSQLite) tags(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tag FROM rule_tags WHERE rule_id = ? ORDER BY tag`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (r *repoSQLite) Update(ctx context.Context, d *Definition) error {
	params, err := encodeParameters(d)
	if err != nil {
		return err
	}
	d.UpdatedAt = time.Now().UTC()

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rule_definitions SET token=?, kind=?, criteria=?, source=?, source_key=?,
				ttl_seconds=?, datatype=?, parameters=?, description=?, updated_at=?
			WHERE id = ?`,
			d.Token, string(d.Kind), d.Criteria, d.Source, d.Key,
			d.TTLSeconds, string(d.Datatype), string(params), d.Description, d.UpdatedAt, d.ID.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return replaceTagsSQLite(ctx, tx, d.ID, d.Tags)
	})
	return mapSQLiteError(err)
}

func (r *repoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rule_definitions WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoSQLite) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+sqliteDefCols+` FROM rule_definitions ORDER BY token LIMIT ? OFFSET ?`, limit, offset)
	return items, total, err
}

func (r *repoSQLite) ListAll(ctx context.Context) ([]*Definition, error) {
	return r.query(ctx, `SELECT `+sqliteDefCols+` FROM rule_definitions ORDER BY token`)
}

func (r *repoSQLite) query(ctx context.Context, q string, args ...any) ([]*Definition, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var items []*Definition
	for rows.Next() {
		d, err := scanDefinitionSQLite(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tags are loaded after the cursor is closed; the store has one connection.
	for _, d := range items {
		if d.Tags, err = r.tags(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *repoSQLite) SetTags(ctx context.Context, id uuid.UUID, tags []string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rule_definitions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return replaceTagsSQLite(ctx, tx, id, tags)
	})
}

func replaceTagsSQLite(ctx context.Context, tx *sql.Tx, id uuid.UUID, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_tags WHERE rule_id = ?`, id.String()); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rule_tags (rule_id, tag) VALUES (?, ?)`, id.String(), t); err != nil {
			return err
		}
	}
	return nil
}
