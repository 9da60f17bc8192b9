// Package obs serves observations to the logic engine as the "obs" data
// source: @obs.<concept> yields every value recorded for the concept.
package obs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/logic/result"
)

const Name = "obs"

var _ logic.DataSource = (*DataSource)(nil)

type DataSource struct {
	repo   Repository
	tracer trace.Tracer
}

func NewDataSource(repo Repository) *DataSource {
	return &DataSource{repo: repo, tracer: otel.Tracer("github.com/ehr/logic/internal/datasource/obs")}
}

func (d *DataSource) Keys(ctx context.Context) ([]string, error) {
	keys, err := d.repo.Concepts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list concepts: %w", err)
	}
	return keys, nil
}

// Read returns the patient's observations of concept key as a list, oldest
// first. A concept nobody has ever recorded is reported as an unknown key.
func (d *DataSource) Read(ctx context.Context, patientID uuid.UUID, key string, _ *logic.Criteria) (result.Result, error) {
	ctx, span := d.tracer.Start(ctx, "obs.Read", trace.WithAttributes(
		attribute.String("logic.datasource.key", key),
	))
	defer span.End()

	items, err := d.repo.ListByPatientConcept(ctx, patientID, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result.Empty(), fmt.Errorf("list observations: %w", err)
	}
	if len(items) == 0 {
		exists, err := d.repo.ConceptExists(ctx, key)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result.Empty(), fmt.Errorf("check concept: %w", err)
		}
		if !exists {
			return result.Empty(), &logic.DataSourceError{DataSource: Name, Key: key}
		}
		return result.Empty(), nil
	}

	values := make([]result.Result, 0, len(items))
	for _, o := range items {
		values = append(values, o.Result())
	}
	span.SetAttributes(attribute.Int("logic.datasource.rows", len(values)))
	return result.List(values...), nil
}
