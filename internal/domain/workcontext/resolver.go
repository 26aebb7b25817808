package workcontext

import (
	"context"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
)

// AffiliationLister is the read side of the affiliation store the resolver
// depends on.
type AffiliationLister interface {
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*affiliation.Affiliation, error)
}

// Resolver turns an identity and a chosen establishment into a
// WorkingContext. It reads the store on every call and keeps no state.
type Resolver struct {
	affiliations AffiliationLister
}

func NewResolver(affiliations AffiliationLister) *Resolver {
	return &Resolver{affiliations: affiliations}
}

func (r *Resolver) active(ctx context.Context, identityID uuid.UUID) ([]*affiliation.Affiliation, error) {
	all, err := r.affiliations.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Resolve picks the identity's active affiliation at establishmentID. With
// several candidate roles and no selector it returns *AmbiguousRoleError.
func (r *Resolver) Resolve(ctx context.Context, identityID, establishmentID uuid.UUID, role *affiliation.Role) (*WorkingContext, error) {
	active, err := r.active(ctx, identityID)
	if err != nil {
		return nil, err
	}

	var candidates []*affiliation.Affiliation
	for _, a := range active {
		if a.EstablishmentID == establishmentID {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotAffiliated
	}

	if role != nil {
		for _, a := range candidates {
			if a.Role == *role {
				return fromAffiliation(a), nil
			}
		}
		return nil, ErrNotAffiliated
	}

	if len(candidates) > 1 {
		roles := make([]affiliation.Role, len(candidates))
		for i, a := range candidates {
			roles[i] = a.Role
		}
		return nil, &AmbiguousRoleError{EstablishmentID: establishmentID, Roles: roles}
	}
	return fromAffiliation(candidates[0]), nil
}

// ResolveDefault auto-selects when the identity has exactly one active
// affiliation overall. It goes through Resolve so both paths share the same
// rules.
func (r *Resolver) ResolveDefault(ctx context.Context, identityID uuid.UUID) (*WorkingContext, error) {
	active, err := r.active(ctx, identityID)
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, ErrNotAffiliated
	case 1:
		only := active[0]
		return r.Resolve(ctx, identityID, only.EstablishmentID, &only.Role)
	default:
		return nil, ErrSelectionRequired
	}
}

// Establishments groups the identity's active affiliations by establishment
// for the picker, in store order.
func (r *Resolver) Establishments(ctx context.Context, identityID uuid.UUID) ([]EstablishmentRoles, error) {
	active, err := r.active(ctx, identityID)
	if err != nil {
		return nil, err
	}

	var out []EstablishmentRoles
	index := make(map[uuid.UUID]int)
	for _, a := range active {
		i, ok := index[a.EstablishmentID]
		if !ok {
			i = len(out)
			index[a.EstablishmentID] = i
			out = append(out, EstablishmentRoles{EstablishmentID: a.EstablishmentID})
		}
		out[i].Roles = append(out[i].Roles, a.Role)
		out[i].IsAdmin = out[i].IsAdmin || a.IsAdmin
	}
	return out, nil
}

func fromAffiliation(a *affiliation.Affiliation) *WorkingContext {
	return &WorkingContext{
		IdentityID:      a.IdentityID,
		EstablishmentID: a.EstablishmentID,
		AffiliationID:   a.ID,
		Role:            a.Role,
		Permissions:     a.Permissions.With(nil),
		IsAdmin:         a.IsAdmin,
		Department:      a.Department,
	}
}
