package obs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct{ conn queryable }

// NewRepoPG reads observations through conn, usually a *pgxpool.Pool.
func NewRepoPG(conn queryable) Repository { return &repoPG{conn: conn} }

const obsCols = `id, patient_id, concept, value_numeric, value_text, value_coded,
	value_datetime, value_boolean, obs_datetime`

func (r *repoPG) ListByPatientConcept(ctx context.Context, patientID uuid.UUID, concept string) ([]*Observation, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+obsCols+` FROM logic_observation
		WHERE patient_id = $1 AND concept = $2 AND NOT voided
		ORDER BY obs_datetime ASC`, patientID, concept)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.PatientID, &o.Concept, &o.ValueNumeric, &o.ValueText, &o.ValueCoded,
			&o.ValueDatetime, &o.ValueBoolean, &o.ObsDatetime); err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	return items, rows.Err()
}

func (r *repoPG) Concepts(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `SELECT DISTINCT concept FROM logic_observation ORDER BY concept`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *repoPG) ConceptExists(ctx context.Context, concept string) (bool, error) {
	var exists bool
	err := r.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM logic_observation WHERE concept = $1)`, concept).Scan(&exists)
	return exists, err
}
