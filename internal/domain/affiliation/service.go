package affiliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/telemetry"
)

// Actor is the caller's resolved working context. Staff management is only
// allowed for actors working at the affiliation's establishment.
type Actor interface {
	ActsFor(establishmentID uuid.UUID) bool
	Can(c Capability) bool
}

type Service struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "affiliation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// Create inserts the affiliation if its (identity, establishment, role)
// triple is free. Otherwise it returns the existing affiliation together
// with ErrDuplicateAffiliation, and never a second row.
func (s *Service) Create(ctx context.Context, in NewAffiliation) (*Affiliation, error) {
	if in.IdentityID == uuid.Nil || in.EstablishmentID == uuid.Nil {
		return nil, fmt.Errorf("%w: identity_id and establishment_id are required", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRole, uint8(in.Role))
	}
	if err := in.Permissions.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	a := &Affiliation{
		ID:              uuid.New(),
		IdentityID:      in.IdentityID,
		EstablishmentID: in.EstablishmentID,
		Role:            in.Role,
		Department:      in.Department,
		JobPosition:     in.JobPosition,
		IsAdmin:         in.IsAdmin,
		Permissions:     in.Role.DefaultPermissions().With(in.Permissions),
		Status:          StatusActive,
		Matricule:       in.Matricule,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.repo.Create(ctx, a)
	switch {
	case err == nil:
		s.metrics.AffiliationCreated(false)
		return created, nil
	case errors.Is(err, ErrDuplicateAffiliation):
		s.metrics.AffiliationCreated(true)
		s.logger.Debug().
			Str("identity_id", in.IdentityID.String()).
			Str("establishment_id", in.EstablishmentID.String()).
			Str("role", in.Role.String()).
			Msg("affiliation already present")
		return created, err
	default:
		return nil, err
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Affiliation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*Affiliation, error) {
	return s.repo.ListByIdentity(ctx, identityID)
}

func (s *Service) ListByEstablishment(ctx context.Context, actor Actor, establishmentID uuid.UUID, f ListFilter, limit, offset int) ([]*Affiliation, int, error) {
	if actor == nil || !actor.ActsFor(establishmentID) || !actor.Can(CapManageStaff) {
		return nil, 0, ErrForbidden
	}
	return s.repo.ListByEstablishment(ctx, establishmentID, f, limit, offset)
}

// Update applies an administrator's edit. Moving an affiliation onto a role
// the identity already holds at the establishment is ErrDuplicateAffiliation.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, p Patch) (*Affiliation, error) {
	if p.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if p.Role != nil && !p.Role.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRole, uint8(*p.Role))
	}
	if p.Status != nil && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, string(*p.Status))
	}
	if err := p.Permissions.Validate(); err != nil {
		return nil, err
	}

	cur, err := s.authorize(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if p.Permissions != nil {
		role := cur.Role
		if p.Role != nil {
			role = *p.Role
		}
		p.Permissions = role.DefaultPermissions().With(p.Permissions)
	}
	return s.repo.Update(ctx, id, p)
}

// Deactivate ends the relationship without deleting the row. Deactivating
// an inactive affiliation returns it unchanged.
func (s *Service) Deactivate(ctx context.Context, actor Actor, id uuid.UUID) (*Affiliation, error) {
	cur, err := s.authorize(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusInactive {
		return cur, nil
	}
	inactive := StatusInactive
	return s.repo.Update(ctx, id, Patch{Status: &inactive})
}

// Reactivate restores an inactive affiliation after an approved admission.
// Empty department or matricule keep the stored values. Active affiliations
// are returned unchanged.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID, department, matricule string) (*Affiliation, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusActive {
		return cur, nil
	}
	active := StatusActive
	p := Patch{Status: &active}
	if department != "" {
		p.Department = &department
	}
	if matricule != "" {
		p.Matricule = &matricule
	}
	a, err := s.repo.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("affiliation_id", id.String()).
		Str("identity_id", a.IdentityID.String()).
		Msg("affiliation reactivated")
	return a, nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, id uuid.UUID) (*Affiliation, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor == nil || !actor.ActsFor(cur.EstablishmentID) || !actor.Can(CapManageStaff) {
		return nil, ErrForbidden
	}
	return cur, nil
}
