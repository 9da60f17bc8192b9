package ruledef

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgConn is satisfied by *pgxpool.Pool.
type pgConn interface {
	queryable
	Begin(ctx context.Context) (pgx.Tx, error)
}

type repoPG struct{ conn pgConn }

func NewRepoPG(conn pgConn) Repository { return &repoPG{conn: conn} }

const pgDefCols = `d.id, d.token, d.kind, COALESCE(d.criteria, ''), COALESCE(d.source, ''),
	COALESCE(d.source_key, ''), d.ttl_seconds, COALESCE(d.datatype, ''), d.parameters,
	COALESCE(d.description, ''), d.created_at, d.updated_at,
	COALESCE((SELECT array_agg(t.tag ORDER BY t.tag) FROM rule_tags t WHERE t.rule_id = d.id), '{}')`

func scanDefinitionPG(row pgx.Row) (*Definition, error) {
	var d Definition
	var params []byte
	err := row.Scan(&d.ID, &d.Token, &d.Kind, &d.Criteria, &d.Source,
		&d.Key, &d.TTLSeconds, &d.Datatype, &params,
		&d.Description, &d.CreatedAt, &d.UpdatedAt, &d.Tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &d.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %q: %w", d.Token, err)
	}
	return &d, nil
}

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateToken
	}
	return err
}

func encodeParameters(d *Definition) ([]byte, error) {
	if d.Parameters == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Parameters)
}

func (r *repoPG) Create(ctx context.Context, d *Definition) error {
	params, err := encodeParameters(d)
	if err != nil {
		return err
	}
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	err = pgx.BeginFunc(ctx, r.conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rule_definitions (id, token, kind, criteria, source, source_key,
				ttl_seconds, datatype, parameters, description, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			d.ID, d.Token, d.Kind, d.Criteria, d.Source, d.Key,
			d.TTLSeconds, d.Datatype, params, d.Description, d.CreatedAt, d.UpdatedAt); err != nil {
			return err
		}
		return replaceTagsPG(ctx, tx, d.ID, d.Tags)
	})
	return mapPGError(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return scanDefinitionPG(r.conn.QueryRow(ctx, `SELECT `+pgDefCols+` FROM rule_definitions d WHERE d.id = $1`, id))
}

func (r *repoPG) GetByToken(ctx context.Context, token string) (*Definition, error) {
	return scanDefinitionPG(r.conn.QueryRow(ctx, `SELECT `+pgDefCols+` FROM rule_definitions d WHERE d.token = $1`, token))
}

func (r *repoPG) Update(ctx context.Context, d *Definition) error {
	params, err := encodeParameters(d)
	if err != nil {
		return err
	}
	d.UpdatedAt = time.Now().UTC()

	err = pgx.BeginFunc(ctx, r.conn, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rule_definitions SET token=$2, kind=$3, criteria=$4, source=$5, source_key=$6,
				ttl_seconds=$7, datatype=$8, parameters=$9, description=$10, updated_at=$11
			WHERE id = $1`,
			d.ID, d.Token, d.Kind, d.Criteria, d.Source, d.Key,
			d.TTLSeconds, d.Datatype, params, d.Description, d.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return replaceTagsPG(ctx, tx, d.ID, d.Tags)
	})
	return mapPGError(err)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn.Exec(ctx, `DELETE FROM rule_definitions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM rule_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn.Query(ctx, `SELECT `+pgDefCols+` FROM rule_definitions d
		ORDER BY d.token LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectDefinitionsPG(rows)
	return items, total, err
}

func (r *repoPG) ListAll(ctx context.Context) ([]*Definition, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+pgDefCols+` FROM rule_definitions d ORDER BY d.token`)
	if err != nil {
		return nil, err
	}
	return collectDefinitionsPG(rows)
}

func collectDefinitionsPG(rows pgx.Rows) ([]*Definition, error) {
	defer rows.Close()
	var items []*Definition
	for rows.Next() {
		d, err := scanDefinitionPG(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *repoPG) SetTags(ctx context.Context, id uuid.UUID, tags []string) error {
	return pgx.BeginFunc(ctx, r.conn, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE rule_definitions SET updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return replaceTagsPG(ctx, tx, id, tags)
	})
}

func replaceTagsPG(ctx context.Context, tx pgx.Tx, id uuid.UUID, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM rule_tags WHERE rule_id = $1`, id); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.Exec(ctx, `INSERT INTO rule_tags (rule_id, tag) VALUES ($1, $2)`, id, t); err != nil {
			return err
		}
	}
	return nil
}
