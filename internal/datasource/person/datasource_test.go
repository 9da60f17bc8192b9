package person

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/logic"
)

type fakeRepo struct {
	people map[uuid.UUID]*Person
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Person, error) {
	p, ok := f.people[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestPerson_AgeAt(t *testing.T) {
	p := &Person{BirthDate: date(1990, time.June, 15)}
	tests := []struct {
		at   *time.Time
		want int
	}{
		{date(2024, time.June, 14), 33},
		{date(2024, time.June, 15), 34},
		{date(2024, time.December, 1), 34},
		{date(1980, time.January, 1), 0},
	}
	for _, tt := range tests {
		got, ok := p.AgeAt(*tt.at)
		if !ok || got != tt.want {
			t.Errorf("AgeAt(%s): expected %d, got %d", tt.at.Format("2006-01-02"), tt.want, got)
		}
	}
	if _, ok := (&Person{}).AgeAt(time.Now()); ok {
		t.Error("expected unknown birth date to report !ok")
	}
}

func TestDataSource_Read(t *testing.T) {
	alive := uuid.New()
	dead := uuid.New()
	repo := &fakeRepo{people: map[uuid.UUID]*Person{
		alive: {ID: alive, BirthDate: date(1980, time.March, 1), Gender: "f"},
		dead:  {ID: dead, BirthDate: date(1950, time.January, 1), Gender: "M", Deceased: true, DeathDate: date(2020, time.January, 1)},
	}}
	ds := NewDataSource(repo, WithClock(func() time.Time { return *date(2025, time.March, 1) }))
	ctx := context.Background()

	r, err := ds.Read(ctx, alive, KeyAge, nil)
	if err != nil || r.Number != 45 {
		t.Errorf("expected age 45, got %v (%v)", r, err)
	}
	r, _ = ds.Read(ctx, dead, KeyAge, nil)
	if r.Number != 70 {
		t.Errorf("expected age at death 70, got %v", r)
	}
	r, _ = ds.Read(ctx, alive, KeyGender, nil)
	if r.Code != "F" {
		t.Errorf("expected gender F, got %q", r.Code)
	}
	r, _ = ds.Read(ctx, dead, "DEAD", nil)
	if !r.Boolean {
		t.Error("expected dead to be true")
	}
	r, _ = ds.Read(ctx, alive, KeyDeathDate, nil)
	if !r.IsEmpty() {
		t.Errorf("expected no death date, got %v", r)
	}
	r, err = ds.Read(ctx, uuid.New(), KeyAge, nil)
	if err != nil || !r.IsEmpty() {
		t.Errorf("expected empty result for unknown patient, got %v (%v)", r, err)
	}
	if _, err := ds.Read(ctx, alive, "height", nil); !errors.Is(err, logic.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDataSource_WithService(t *testing.T) {
	patient := uuid.New()
	repo := &fakeRepo{people: map[uuid.UUID]*Person{
		patient: {ID: patient, BirthDate: date(2010, time.May, 5), Gender: "F"},
	}}
	svc := logic.NewService(zerolog.Nop(), logic.Options{})
	if err := svc.RegisterDataSource(Name, NewDataSource(repo)); err != nil {
		t.Fatalf("RegisterDataSource: %v", err)
	}

	r, err := svc.EvalString(context.Background(), patient, `@person.gender = 'F' AND @person.age < 18`, nil)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if !r.ToBool() {
		t.Errorf("expected female minor to match, got %v", r)
	}
}

func TestDataSource_AgeFollowsIndexDate(t *testing.T) {
	patient := uuid.New()
	dead := uuid.New()
	repo := &fakeRepo{people: map[uuid.UUID]*Person{
		patient: {ID: patient, BirthDate: date(1990, time.June, 15), Gender: "F"},
		dead:    {ID: dead, BirthDate: date(1950, time.January, 1), Deceased: true, DeathDate: date(2020, time.January, 1)},
	}}
	svc := logic.NewService(zerolog.Nop(), logic.Options{})
	if err := svc.RegisterDataSource(Name, NewDataSource(repo)); err != nil {
		t.Fatalf("RegisterDataSource: %v", err)
	}
	ctx := context.Background()
	indexDate := *date(2000, time.January, 1)
	lc := svc.NewContext(logic.WithIndexDate(indexDate))

	r, err := lc.EvalToken(ctx, patient, "@person.age", nil)
	if err != nil {
		t.Fatalf("EvalToken: %v", err)
	}
	if r.Number != 9 {
		t.Errorf("expected age 9 at the index date, got %v", r.Number)
	}
	if !r.Date.Equal(indexDate) {
		t.Errorf("expected result dated %v, got %v", indexDate, r.Date)
	}

	c, err := logic.Parse(`'@person.age' AS OF 2000-01-01`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, err = svc.NewContext().Eval(ctx, patient, c, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !r.Exists() || r.ToNumber() != 9 {
		t.Errorf("expected age 9 as of 2000-01-01, got %v (exists=%v)", r, r.Exists())
	}

	r, err = lc.EvalToken(ctx, dead, "@person.age", nil)
	if err != nil {
		t.Fatalf("EvalToken: %v", err)
	}
	if r.Number != 50 {
		t.Errorf("expected age 50 before death, got %v", r.Number)
	}
	r, _ = svc.NewContext(logic.WithIndexDate(*date(2024, time.January, 1))).EvalToken(ctx, dead, "@person.age", nil)
	if r.Number != 70 {
		t.Errorf("expected age at death 70, got %v", r.Number)
	}
}
