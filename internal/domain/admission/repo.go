package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create fails with ErrDuplicateRequest while another pending request
	// holds the same (email, establishment, role).
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error)
	// Resolve persists the outcome fields of r.
	Resolve(ctx context.Context, r *Request) error
	ListForEstablishment(ctx context.Context, establishmentID uuid.UUID, f ListFilter) ([]*Request, int, error)
	ListForProfessional(ctx context.Context, professionalID uuid.UUID, email string, f ListFilter) ([]*Request, int, error)
	// ExpireStale moves every pending request with expires_at <= now to
	// expired and returns them.
	ExpireStale(ctx context.Context, now time.Time) ([]*Request, error)
}
