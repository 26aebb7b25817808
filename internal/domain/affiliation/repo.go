package affiliation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a unless its (identity, establishment, role) triple
	// exists, atomically. On conflict it returns the existing row together
	// with ErrDuplicateAffiliation.
	Create(ctx context.Context, a *Affiliation) (*Affiliation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Affiliation, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*Affiliation, error)
	ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, f ListFilter, limit, offset int) ([]*Affiliation, int, error)
	// Update applies p and returns the updated row. A role change onto an
	// existing triple returns ErrDuplicateAffiliation.
	Update(ctx context.Context, id uuid.UUID, p Patch) (*Affiliation, error)
}
