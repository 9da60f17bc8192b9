package obs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/logic/result"
)

type fakeRepo struct {
	obs map[string][]*Observation
	err error
}

func (f *fakeRepo) ListByPatientConcept(_ context.Context, patientID uuid.UUID, concept string) ([]*Observation, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*Observation
	for _, o := range f.obs[concept] {
		if o.PatientID == patientID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRepo) Concepts(context.Context) ([]string, error) {
	var out []string
	for k := range f.obs {
		out = append(out, k)
	}
	return out, f.err
}

func (f *fakeRepo) ConceptExists(_ context.Context, concept string) (bool, error) {
	_, ok := f.obs[concept]
	return ok, f.err
}

func ptr[T any](v T) *T { return &v }

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestObservation_Result(t *testing.T) {
	at := day("2024-03-01")
	tests := []struct {
		name string
		obs  Observation
		want result.Datatype
	}{
		{"numeric", Observation{ValueNumeric: ptr(7.2)}, result.DatatypeNumeric},
		{"coded", Observation{ValueCoded: ptr("POSITIVE")}, result.DatatypeCoded},
		{"boolean", Observation{ValueBoolean: ptr(true)}, result.DatatypeBoolean},
		{"datetime", Observation{ValueDatetime: ptr(at)}, result.DatatypeDatetime},
		{"text", Observation{ValueText: ptr("note")}, result.DatatypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.obs.ObsDatetime = at
			r := tt.obs.Result()
			if r.Datatype != tt.want {
				t.Errorf("expected datatype %v, got %v", tt.want, r.Datatype)
			}
			if !r.Date.Equal(at) {
				t.Errorf("expected date %v, got %v", at, r.Date)
			}
			if r.Object != &tt.obs {
				t.Error("expected result to carry the observation")
			}
		})
	}

	empty := Observation{ObsDatetime: at}
	if !empty.Result().IsEmpty() {
		t.Error("expected observation without a value to be empty")
	}
}

func TestDataSource_Read(t *testing.T) {
	patient := uuid.New()
	other := uuid.New()
	repo := &fakeRepo{obs: map[string][]*Observation{
		"CD4": {
			{PatientID: patient, Concept: "CD4", ValueNumeric: ptr(350.0), ObsDatetime: day("2024-01-01")},
			{PatientID: patient, Concept: "CD4", ValueNumeric: ptr(410.0), ObsDatetime: day("2024-06-01")},
			{PatientID: other, Concept: "CD4", ValueNumeric: ptr(120.0), ObsDatetime: day("2024-02-01")},
		},
		"WEIGHT": {
			{PatientID: other, Concept: "WEIGHT", ValueNumeric: ptr(70.0), ObsDatetime: day("2024-02-01")},
		},
	}}
	ds := NewDataSource(repo)
	ctx := context.Background()

	r, err := ds.Read(ctx, patient, "CD4", nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 values, got %d", r.Len())
	}
	if got := r.Latest().Number; got != 410 {
		t.Errorf("expected latest 410, got %v", got)
	}

	r, err = ds.Read(ctx, patient, "WEIGHT", nil)
	if err != nil {
		t.Fatalf("Read known concept without values: %v", err)
	}
	if !r.IsEmpty() {
		t.Errorf("expected empty result, got %v", r)
	}

	_, err = ds.Read(ctx, patient, "UNKNOWN", nil)
	if !errors.Is(err, logic.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDataSource_ReadError(t *testing.T) {
	ds := NewDataSource(&fakeRepo{err: errors.New("connection reset")})
	if _, err := ds.Read(context.Background(), uuid.New(), "CD4", nil); err == nil {
		t.Error("expected repository error")
	}
	if _, err := ds.Keys(context.Background()); err == nil {
		t.Error("expected repository error from Keys")
	}
}

func TestDataSource_WithService(t *testing.T) {
	patient := uuid.New()
	repo := &fakeRepo{obs: map[string][]*Observation{
		"CD4": {
			{PatientID: patient, Concept: "CD4", ValueNumeric: ptr(180.0), ObsDatetime: day("2024-01-01")},
		},
	}}
	svc := logic.NewService(testLogger(), logic.Options{})
	if err := svc.RegisterDataSource(Name, NewDataSource(repo)); err != nil {
		t.Fatalf("RegisterDataSource: %v", err)
	}
	if err := svc.AddRule("CD4 COUNT", &logic.DataSourceRule{Source: Name, Key: "CD4"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	r, err := svc.EvalString(context.Background(), patient, `LAST "CD4 COUNT" < 200`, nil)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if !r.ToBool() {
		t.Errorf("expected last CD4 below 200 to be true, got %v", r)
	}
}
