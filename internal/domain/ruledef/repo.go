package ruledef

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists rule definitions together with their tags. Create and
// Update write Tags as part of the same transaction.
type Repository interface {
	Create(ctx context.Context, d *Definition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Definition, error)
	GetByToken(ctx context.Context, token string) (*Definition, error)
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Definition, int, error)
	ListAll(ctx context.Context) ([]*Definition, error)
	SetTags(ctx context.Context, id uuid.UUID, tags []string) error
}
