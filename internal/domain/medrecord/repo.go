package medrecord

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListPage returns up to limit entries of the patient ordered by
	// (created_at DESC, id DESC), strictly after the cursor when one is given.
	ListPage(ctx context.Context, patientID uuid.UUID, after *pagination.Cursor, limit int) ([]*Entry, error)
}

type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Grant, error)
	// ListActive returns the patient's grants neither revoked nor expired at t.
	ListActive(ctx context.Context, patientID uuid.UUID, t time.Time) ([]*Grant, error)
	// Revoke stamps revoked_at unless already set and returns the grant.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) (*Grant, error)
}
