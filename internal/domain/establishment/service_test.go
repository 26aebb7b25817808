package establishment

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Establishment
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Establishment)}
}

func (m *mockRepo) Create(_ context.Context, e *Establishment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.Code == e.Code {
			return ErrCodeTaken
		}
	}
	c := *e
	m.items[e.ID] = &c
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Establishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Establishment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Establishment
	for _, e := range m.items {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func newTestService() (*Service, *affiliation.MemoryRepo) {
	affRepo := affiliation.NewMemoryRepo()
	affSvc := affiliation.NewService(affRepo, zerolog.Nop())
	return NewService(newMockRepo(), affSvc, db.InlineTransactor{}), affRepo
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), NewEstablishment{
		Code:        " chu-lbv ",
		Name:        "CHU de Libreville",
		Type:        TypeHospital,
		Sector:      SectorPublic,
		City:        "Libreville",
		Province:    "Estuaire",
		Conventions: []string{"cnamgs", " "},
	})
	require.ErrorIs(t, err, ErrInvalidInput, "dash in code rejected")

	e, err := svc.Create(context.Background(), NewEstablishment{
		Code:        " chulbv ",
		Name:        "CHU de Libreville",
		Type:        TypeHospital,
		Sector:      SectorPublic,
		Conventions: []string{"cnamgs", " "},
	})
	require.NoError(t, err)
	assert.Equal(t, "CHULBV", e.Code)
	assert.Equal(t, []string{"CNAMGS"}, e.Conventions)
	assert.True(t, e.AcceptsConvention("CNAMGS"))
	assert.True(t, e.AcceptsConvention("cnamgs"))
	assert.False(t, e.AcceptsConvention("ASCOMA"))
	assert.False(t, e.AcceptsConvention(""))
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, NewEstablishment{Code: "A", Name: "A", Type: "spa", Sector: SectorPublic})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, NewEstablishment{Code: "A", Name: "A", Type: TypeClinic, Sector: "secret"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, NewEstablishment{Name: "A", Type: TypeClinic, Sector: SectorPrivate})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, NewEstablishment{Code: "PHX", Name: "Pharmacie X", Type: TypePharmacy, Sector: SectorPrivate})
	require.NoError(t, err)
	_, err = svc.Create(ctx, NewEstablishment{Code: "phx", Name: "Pharmacie Y", Type: TypePharmacy, Sector: SectorPrivate})
	assert.ErrorIs(t, err, ErrCodeTaken)
}

func TestService_Create_WithAdministrator(t *testing.T) {
	svc, affRepo := newTestService()
	admin := uuid.New()

	e, err := svc.Create(context.Background(), NewEstablishment{
		Code: "CLINOWE", Name: "Clinique d'Owendo", Type: TypeClinic, Sector: SectorPrivate,
		AdministratorID: &admin,
	})
	require.NoError(t, err)

	list, err := affRepo.ListByIdentity(context.Background(), admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].EstablishmentID)
	assert.Equal(t, affiliation.RoleAdministrator, list[0].Role)
	assert.True(t, list[0].IsAdmin)
}

func TestService_AcceptsConvention(t *testing.T) {
	svc, _ := newTestService()
	e, err := svc.Create(context.Background(), NewEstablishment{
		Code: "LABO1", Name: "Labo 1", Type: TypeLaboratory, Sector: SectorPrivate, Conventions: []string{"CNAMGS"},
	})
	require.NoError(t, err)

	ok, err := svc.AcceptsConvention(context.Background(), e.ID, "CNAMGS")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.AcceptsConvention(context.Background(), uuid.New(), "CNAMGS")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
