package workcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
)

type fixture struct {
	repo     *affiliation.MemoryRepo
	svc      *affiliation.Service
	resolver *Resolver
}

func newFixture() *fixture {
	repo := affiliation.NewMemoryRepo()
	return &fixture{
		repo:     repo,
		svc:      affiliation.NewService(repo, zerolog.Nop()),
		resolver: NewResolver(repo),
	}
}

func (f *fixture) affiliate(t *testing.T, identity, est uuid.UUID, role affiliation.Role, admin bool) *affiliation.Affiliation {
	t.Helper()
	a, err := f.svc.Create(context.Background(), affiliation.NewAffiliation{
		IdentityID: identity, EstablishmentID: est, Role: role, IsAdmin: admin, Department: "Médecine interne",
	})
	require.NoError(t, err)
	return a
}

func TestResolve_SingleRole(t *testing.T) {
	f := newFixture()
	identity, est := uuid.New(), uuid.New()
	a := f.affiliate(t, identity, est, affiliation.RoleNurse, false)

	wc, err := f.resolver.Resolve(context.Background(), identity, est, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, wc.AffiliationID)
	assert.Equal(t, affiliation.RoleNurse, wc.Role)
	assert.Equal(t, "Médecine interne", wc.Department)
	assert.True(t, wc.Can(affiliation.CapViewPatients))
	assert.False(t, wc.Can(affiliation.CapManageStaff))
	assert.True(t, wc.ActsFor(est))
	assert.False(t, wc.ActsFor(uuid.New()))
}

func TestResolve_NotAffiliated(t *testing.T) {
	f := newFixture()
	identity := uuid.New()
	f.affiliate(t, identity, uuid.New(), affiliation.RoleDoctor, false)

	_, err := f.resolver.Resolve(context.Background(), identity, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotAffiliated)
}

func TestResolve_AmbiguousWithoutSelector(t *testing.T) {
	f := newFixture()
	identity, est := uuid.New(), uuid.New()
	f.affiliate(t, identity, est, affiliation.RoleDoctor, false)
	f.affiliate(t, identity, est, affiliation.RoleDirector, true)

	_, err := f.resolver.Resolve(context.Background(), identity, est, nil)
	require.ErrorIs(t, err, ErrAmbiguousRole)
	var amb *AmbiguousRoleError
	require.True(t, errors.As(err, &amb))
	assert.ElementsMatch(t, []affiliation.Role{affiliation.RoleDoctor, affiliation.RoleDirector}, amb.Roles)

	role := affiliation.RoleDirector
	wc, err := f.resolver.Resolve(context.Background(), identity, est, &role)
	require.NoError(t, err)
	assert.True(t, wc.IsAdmin)
	assert.True(t, wc.Can(affiliation.CapDispenseMedications), "admins can do everything")
}

func TestResolve_SelectorNotHeld(t *testing.T) {
	f := newFixture()
	identity, est := uuid.New(), uuid.New()
	f.affiliate(t, identity, est, affiliation.RoleDoctor, false)

	role := affiliation.RolePharmacist
	_, err := f.resolver.Resolve(context.Background(), identity, est, &role)
	assert.ErrorIs(t, err, ErrNotAffiliated)
}

func TestResolve_IgnoresInactive(t *testing.T) {
	f := newFixture()
	identity, est := uuid.New(), uuid.New()
	a := f.affiliate(t, identity, est, affiliation.RoleDoctor, false)
	f.affiliate(t, identity, est, affiliation.RoleNurse, false)

	inactive := affiliation.StatusInactive
	_, err := f.repo.Update(context.Background(), a.ID, affiliation.Patch{Status: &inactive})
	require.NoError(t, err)

	wc, err := f.resolver.Resolve(context.Background(), identity, est, nil)
	require.NoError(t, err)
	assert.Equal(t, affiliation.RoleNurse, wc.Role)
}

func TestResolveDefault(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.resolver.ResolveDefault(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotAffiliated)

	identity, est := uuid.New(), uuid.New()
	f.affiliate(t, identity, est, affiliation.RolePharmacist, false)
	wc, err := f.resolver.ResolveDefault(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, est, wc.EstablishmentID)
	assert.Equal(t, affiliation.RolePharmacist, wc.Role)

	f.affiliate(t, identity, uuid.New(), affiliation.RolePharmacist, false)
	_, err = f.resolver.ResolveDefault(ctx, identity)
	assert.ErrorIs(t, err, ErrSelectionRequired)
}

func TestEstablishments(t *testing.T) {
	f := newFixture()
	identity, estA, estB := uuid.New(), uuid.New(), uuid.New()
	f.affiliate(t, identity, estA, affiliation.RoleDoctor, false)
	f.affiliate(t, identity, estA, affiliation.RoleDirector, true)
	f.affiliate(t, identity, estB, affiliation.RoleDoctor, false)

	list, err := f.resolver.Establishments(context.Background(), identity)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[uuid.UUID]EstablishmentRoles{}
	for _, e := range list {
		byID[e.EstablishmentID] = e
	}
	assert.Len(t, byID[estA].Roles, 2)
	assert.True(t, byID[estA].IsAdmin)
	assert.Len(t, byID[estB].Roles, 1)
	assert.False(t, byID[estB].IsAdmin)
}

func TestWorkingContext_NilSafe(t *testing.T) {
	var wc *WorkingContext
	assert.False(t, wc.Can(affiliation.CapViewPatients))
	assert.False(t, wc.ActsFor(uuid.New()))
}
