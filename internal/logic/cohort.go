package logic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/logic/internal/logic/result"
)

// Cohort is a set of patients evaluated together.
type Cohort []uuid.UUID

// NewCohort builds a cohort from ids, dropping duplicates and nil ids while
// keeping first-seen order.
func NewCohort(ids ...uuid.UUID) Cohort {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make(Cohort, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (c Cohort) Contains(id uuid.UUID) bool {
	for _, x := range c {
		if x == id {
			return true
		}
	}
	return false
}

// EvalCohort evaluates criteria for every patient of cohort. Patients are
// evaluated concurrently, each in its own session, so no cached result is
// shared between patients. The first failure cancels the remaining work.
func (s *Service) EvalCohort(ctx context.Context, cohort Cohort, criteria *Criteria, params map[string]any, opts ...ContextOption) (map[uuid.UUID]result.Result, error) {
	if criteria == nil {
		return nil, fmt.Errorf("criteria is required")
	}
	byCriteria, err := s.EvalCohortMany(ctx, cohort, []*Criteria{criteria}, params, opts...)
	if err != nil {
		return nil, err
	}
	return byCriteria[criteria], nil
}

// EvalCohortMany evaluates each criteria for every patient of cohort. Criteria
// evaluated for the same patient share one session. opts configure every
// per-patient session.
func (s *Service) EvalCohortMany(ctx context.Context, cohort Cohort, criteria []*Criteria, params map[string]any, opts ...ContextOption) (map[*Criteria]map[uuid.UUID]result.Result, error) {
	for _, c := range criteria {
		if c == nil {
			return nil, fmt.Errorf("criteria is required")
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "logic.EvalCohort", trace.WithAttributes(
		attribute.Int("logic.cohort_size", len(cohort)),
		attribute.Int("logic.criteria_count", len(criteria)),
	))
	defer span.End()

	out := make(map[*Criteria]map[uuid.UUID]result.Result, len(criteria))
	for _, c := range criteria {
		out[c] = make(map[uuid.UUID]result.Result, len(cohort))
	}

	// Every session shares one index date.
	opts = append(opts, WithIndexDate(s.NewContext(opts...).IndexDate()))

	start := time.Now()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchWorkers)

	for _, patientID := range cohort {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lc := s.NewContext(opts...)
			row := make([]result.Result, len(criteria))
			for i, c := range criteria {
				r, err := lc.Eval(gctx, patientID, c, params)
				if err != nil {
					return fmt.Errorf("patient %s: %w", patientID, err)
				}
				row[i] = r
			}
			mu.Lock()
			for i, c := range criteria {
				out[c][patientID] = row[i]
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	err = s.evalError(ctx, err)
	s.recorder.CohortCompleted(len(cohort), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn().Err(err).Int("cohort_size", len(cohort)).Msg("cohort evaluation failed")
		return nil, err
	}
	s.logger.Debug().Int("cohort_size", len(cohort)).Int("criteria", len(criteria)).Dur("elapsed", time.Since(start)).Msg("cohort evaluated")
	return out, nil
}
