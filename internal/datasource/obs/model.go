package obs

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic/result"
)

// Observation is one recorded value of a concept for a patient. Exactly one
// of the value fields is expected to be set.
type Observation struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Concept       string     `json:"concept"`
	ValueNumeric  *float64   `json:"value_numeric,omitempty"`
	ValueText     *string    `json:"value_text,omitempty"`
	ValueCoded    *string    `json:"value_coded,omitempty"`
	ValueDatetime *time.Time `json:"value_datetime,omitempty"`
	ValueBoolean  *bool      `json:"value_boolean,omitempty"`
	ObsDatetime   time.Time  `json:"obs_datetime"`
}

// Result converts the observation into a result dated at ObsDatetime. An
// observation with no value becomes the empty result.
func (o *Observation) Result() result.Result {
	var r result.Result
	switch {
	case o.ValueNumeric != nil:
		r = result.Number(*o.ValueNumeric)
	case o.ValueCoded != nil:
		r = result.Coded(*o.ValueCoded)
	case o.ValueBoolean != nil:
		r = result.Bool(*o.ValueBoolean)
	case o.ValueDatetime != nil:
		r = result.Datetime(*o.ValueDatetime)
	case o.ValueText != nil:
		r = result.Text(*o.ValueText)
	default:
		return result.Empty()
	}
	return r.At(o.ObsDatetime).WithObject(o)
}
