package establishment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

// AffiliationCreator grants the founding administrator access.
type AffiliationCreator interface {
	Create(ctx context.Context, in affiliation.NewAffiliation) (*affiliation.Affiliation, error)
}

type Service struct {
	repo         Repository
	affiliations AffiliationCreator
	tx           db.Transactor
	now          func() time.Time
}

func NewService(repo Repository, affiliations AffiliationCreator, tx db.Transactor) *Service {
	return &Service{
		repo:         repo,
		affiliations: affiliations,
		tx:           tx,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in NewEstablishment) (*Establishment, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	name := strings.TrimSpace(in.Name)
	if code == "" || name == "" {
		return nil, fmt.Errorf("%w: code and name are required", ErrInvalidInput)
	}
	if strings.ContainsAny(code, " -/") {
		return nil, fmt.Errorf("%w: code must not contain spaces, dashes or slashes", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidInput, string(in.Type))
	}
	if !in.Sector.Valid() {
		return nil, fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, string(in.Sector))
	}

	conventions := make([]string, 0, len(in.Conventions))
	for _, c := range in.Conventions {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			conventions = append(conventions, c)
		}
	}

	now := s.now()
	e := &Establishment{
		ID:          uuid.New(),
		Code:        code,
		Name:        name,
		Type:        in.Type,
		Sector:      in.Sector,
		City:        strings.TrimSpace(in.City),
		Province:    strings.TrimSpace(in.Province),
		Conventions: conventions,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, e); err != nil {
			return err
		}
		if in.AdministratorID == nil {
			return nil
		}
		_, err := s.affiliations.Create(ctx, affiliation.NewAffiliation{
			IdentityID:      *in.AdministratorID,
			EstablishmentID: e.ID,
			Role:            affiliation.RoleAdministrator,
			IsAdmin:         true,
		})
		if errors.Is(err, affiliation.ErrDuplicateAffiliation) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Establishment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Establishment, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// AcceptsConvention looks the establishment up and checks its conventions.
func (s *Service) AcceptsConvention(ctx context.Context, id uuid.UUID, code string) (bool, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return e.AcceptsConvention(code), nil
}
