package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidInput = errors.New("invalid identity input")
	ErrNotFound     = fmt.Errorf("identity %w", db.ErrNotFound)
)

// Identity is a person known to the platform: patient, professional or
// both. Identities are deactivated, never deleted.
type Identity struct {
	ID            uuid.UUID  `json:"id"`
	FullName      string     `json:"full_name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ProfilePatch lists the owner-editable profile fields. Nil means unchanged.
type ProfilePatch struct {
	FullName *string `json:"full_name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}
