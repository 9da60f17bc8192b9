// Package person serves demographics to the logic engine as the "person"
// data source.
package person

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/logic/result"
)

const Name = "person"

const (
	KeyBirthdate = "birthdate"
	KeyGender    = "gender"
	KeyAge       = "age"
	KeyDead      = "dead"
	KeyDeathDate = "deathdate"
)

var keys = []string{KeyAge, KeyBirthdate, KeyDead, KeyDeathDate, KeyGender}

var _ logic.DataSource = (*DataSource)(nil)

type DataSource struct {
	repo Repository
	now  func() time.Time
}

type Option func(*DataSource)

// WithClock overrides the clock age is computed against when a read carries
// no index date.
func WithClock(now func() time.Time) Option {
	return func(d *DataSource) { d.now = now }
}

func NewDataSource(repo Repository, opts ...Option) *DataSource {
	d := &DataSource{repo: repo, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DataSource) Keys(context.Context) ([]string, error) {
	return append([]string(nil), keys...), nil
}

// Read answers a demographic key. Unknown patients yield the empty result so
// that criteria over them evaluate to false.
func (d *DataSource) Read(ctx context.Context, patientID uuid.UUID, key string, _ *logic.Criteria) (result.Result, error) {
	key = strings.ToLower(key)
	switch key {
	case KeyBirthdate, KeyGender, KeyAge, KeyDead, KeyDeathDate:
	default:
		return result.Empty(), &logic.DataSourceError{DataSource: Name, Key: key}
	}

	p, err := d.repo.GetByID(ctx, patientID)
	if errors.Is(err, ErrPatientNotFound) {
		return result.Empty(), nil
	}
	if err != nil {
		return result.Empty(), fmt.Errorf("load patient: %w", err)
	}

	switch key {
	case KeyBirthdate:
		if p.BirthDate == nil {
			return result.Empty(), nil
		}
		return result.Datetime(*p.BirthDate).At(*p.BirthDate).WithObject(p), nil
	case KeyGender:
		if p.Gender == "" {
			return result.Empty(), nil
		}
		return result.Coded(strings.ToUpper(p.Gender)).WithObject(p), nil
	case KeyAge:
		at, ok := logic.IndexDateFromContext(ctx)
		if !ok {
			at = d.now()
		}
		if p.Deceased && p.DeathDate != nil && p.DeathDate.Before(at) {
			at = *p.DeathDate
		}
		years, ok := p.AgeAt(at)
		if !ok {
			return result.Empty(), nil
		}
		return result.Number(float64(years)).At(at).WithObject(p), nil
	case KeyDead:
		r := result.Bool(p.Deceased)
		if p.DeathDate != nil {
			r = r.At(*p.DeathDate)
		}
		return r.WithObject(p), nil
	default:
		if p.DeathDate == nil {
			return result.Empty(), nil
		}
		return result.Datetime(*p.DeathDate).At(*p.DeathDate).WithObject(p), nil
	}
}
