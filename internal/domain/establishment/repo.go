package establishment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *Establishment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Establishment, error)
	List(ctx context.Context, limit, offset int) ([]*Establishment, int, error)
}
