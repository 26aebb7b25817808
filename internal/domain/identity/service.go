package identity

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// NormalizeEmail lower-cases and trims an address. Identities are looked
// up by the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, fullName, email, phone string) (*Identity, error) {
	fullName = strings.TrimSpace(fullName)
	email = NormalizeEmail(email)
	if fullName == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}

	now := s.now()
	i := &Identity{
		ID:        uuid.New(),
		FullName:  fullName,
		Email:     email,
		Phone:     strings.TrimSpace(phone),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, i); err != nil {
		return nil, err
	}
	return i, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.repo.GetByEmail(ctx, NormalizeEmail(email))
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, p ProfilePatch) (*Identity, error) {
	i, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.FullName != nil {
		name := strings.TrimSpace(*p.FullName)
		if name == "" {
			return nil, fmt.Errorf("%w: full_name cannot be empty", ErrInvalidInput)
		}
		i.FullName = name
	}
	if p.Phone != nil {
		i.Phone = strings.TrimSpace(*p.Phone)
	}
	i.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, i); err != nil {
		return nil, err
	}
	return i, nil
}

// Deactivate is idempotent: an inactive identity is returned unchanged.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (*Identity, error) {
	i, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !i.Active {
		return i, nil
	}
	now := s.now()
	i.Active = false
	i.DeactivatedAt = &now
	i.UpdatedAt = now
	if err := s.repo.Update(ctx, i); err != nil {
		return nil, err
	}
	return i, nil
}
