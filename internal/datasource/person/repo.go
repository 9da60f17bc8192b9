package person

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrPatientNotFound = errors.New("patient not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Person, error)
}

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct{ conn queryable }

func NewRepoPG(conn queryable) Repository { return &repoPG{conn: conn} }

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Person, error) {
	var p Person
	err := r.conn.QueryRow(ctx, `SELECT id, birth_date, COALESCE(gender, ''), deceased, death_date
		FROM logic_patient WHERE id = $1`, id).
		Scan(&p.ID, &p.BirthDate, &p.Gender, &p.Deceased, &p.DeathDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
