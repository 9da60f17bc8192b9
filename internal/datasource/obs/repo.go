package obs

import (
	"context"

	"github.com/google/uuid"
)

// Repository reads the observation read model.
type Repository interface {
	// ListByPatientConcept returns the patient's non-voided observations of
	// concept, oldest first.
	ListByPatientConcept(ctx context.Context, patientID uuid.UUID, concept string) ([]*Observation, error)
	Concepts(ctx context.Context) ([]string, error)
	ConceptExists(ctx context.Context, concept string) (bool, error)
}
