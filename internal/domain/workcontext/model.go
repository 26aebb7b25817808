package workcontext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
)

var (
	ErrNotAffiliated = errors.New("identity is not affiliated with this establishment")
	ErrAmbiguousRole = errors.New("identity holds several roles at this establishment; a role must be selected")
	// ErrSelectionRequired means the identity works at more than one
	// establishment or role and cannot be auto-selected.
	ErrSelectionRequired = errors.New("establishment selection required")
)

// AmbiguousRoleError lists the roles the caller may choose from.
type AmbiguousRoleError struct {
	EstablishmentID uuid.UUID
	Roles           []affiliation.Role
}

func (e *AmbiguousRoleError) Error() string {
	names := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		names[i] = r.String()
	}
	return fmt.Sprintf("%v: choose one of %s", ErrAmbiguousRole, strings.Join(names, ", "))
}

func (e *AmbiguousRoleError) Is(target error) bool { return target == ErrAmbiguousRole }

// WorkingContext is the role an identity acts under at one establishment for
// the duration of a request. It is passed explicitly to every service call
// that depends on "who am I acting as".
type WorkingContext struct {
	IdentityID      uuid.UUID                 `json:"identity_id"`
	EstablishmentID uuid.UUID                 `json:"establishment_id"`
	AffiliationID   uuid.UUID                 `json:"affiliation_id"`
	Role            affiliation.Role          `json:"role"`
	Permissions     affiliation.PermissionSet `json:"permissions"`
	IsAdmin         bool                      `json:"is_admin"`
	Department      string                    `json:"department,omitempty"`
}

// Can reports whether the context grants c. Establishment administrators
// can do everything.
func (w *WorkingContext) Can(c affiliation.Capability) bool {
	if w == nil {
		return false
	}
	return w.IsAdmin || w.Permissions.Allows(c)
}

// ActsFor reports whether the context belongs to establishmentID.
func (w *WorkingContext) ActsFor(establishmentID uuid.UUID) bool {
	return w != nil && w.EstablishmentID == establishmentID
}

var _ affiliation.Actor = (*WorkingContext)(nil)

// EstablishmentRoles is one entry of the establishment picker.
type EstablishmentRoles struct {
	EstablishmentID uuid.UUID          `json:"establishment_id"`
	Roles           []affiliation.Role `json:"roles"`
	IsAdmin         bool               `json:"is_admin"`
}
