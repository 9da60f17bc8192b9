package person

import (
	"time"

	"github.com/google/uuid"
)

type Person struct {
	ID        uuid.UUID  `json:"id"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	Deceased  bool       `json:"deceased"`
	DeathDate *time.Time `json:"death_date,omitempty"`
}

// AgeAt returns completed years between the birth date and at. ok is false
// when the birth date is unknown.
func (p *Person) AgeAt(at time.Time) (years int, ok bool) {
	if p.BirthDate == nil {
		return 0, false
	}
	b := *p.BirthDate
	years = at.Year() - b.Year()
	if at.Month() < b.Month() || (at.Month() == b.Month() && at.Day() < b.Day()) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return years, true
}
