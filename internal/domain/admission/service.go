package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/identity"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
	"github.com/okatech-org/sante-sub008/internal/platform/telemetry"
)

type AffiliationCreator interface {
	Create(ctx context.Context, in affiliation.NewAffiliation) (*affiliation.Affiliation, error)
	Reactivate(ctx context.Context, id uuid.UUID, department, matricule string) (*affiliation.Affiliation, error)
}

type IdentityLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
	GetByEmail(ctx context.Context, email string) (*identity.Identity, error)
}

type EstablishmentLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*establishment.Establishment, error)
}

// Party is whoever acts on a request: always an identity, optionally working
// under an establishment context.
type Party struct {
	IdentityID uuid.UUID
	Context    *workcontext.WorkingContext
}

type Service struct {
	repo           Repository
	affiliations   AffiliationCreator
	identities     IdentityLookup
	establishments EstablishmentLookup
	tx             db.Transactor
	publisher      events.Publisher
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	ttl            time.Duration
	now            func() time.Time
}

func NewService(
	repo Repository,
	affiliations AffiliationCreator,
	identities IdentityLookup,
	establishments EstablishmentLookup,
	tx db.Transactor,
	ttl time.Duration,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:           repo,
		affiliations:   affiliations,
		identities:     identities,
		establishments: establishments,
		tx:             tx,
		publisher:      events.NopPublisher{},
		logger:         logger.With().Str("component", "admission").Logger(),
		ttl:            ttl,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// RequestToJoin files a professional's request to join an establishment.
func (s *Service) RequestToJoin(ctx context.Context, professionalID, establishmentID uuid.UUID, role affiliation.Role, department, message string) (*Request, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %d", affiliation.ErrUnsupportedRole, uint8(role))
	}
	professional, err := s.identities.Get(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	if !professional.Active {
		return nil, fmt.Errorf("%w: identity is deactivated", ErrInvalidInput)
	}
	if _, err := s.establishments.Get(ctx, establishmentID); err != nil {
		return nil, err
	}

	now := s.now()
	r := &Request{
		ID:                uuid.New(),
		Type:              TypeProfessionalToEstablishment,
		EstablishmentID:   establishmentID,
		ProfessionalID:    &professional.ID,
		ProfessionalEmail: professional.Email,
		InitiatorID:       professional.ID,
		Role:              role,
		Department:        strings.TrimSpace(department),
		Message:           strings.TrimSpace(message),
		Status:            StatusPending,
		ExpiresAt:         now.Add(s.ttl),
		CreatedAt:         now,
	}
	if err := s.create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Invite sends an invitation from the inviter's working establishment. The
// e-mail is bound to an identity when one is already registered.
func (s *Service) Invite(ctx context.Context, inviter *workcontext.WorkingContext, email string, role affiliation.Role, department, message string) (*Request, error) {
	if !inviter.Can(affiliation.CapApproveAdmissions) {
		return nil, ErrForbidden
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %d", affiliation.ErrUnsupportedRole, uint8(role))
	}
	email = identity.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}

	var professionalID *uuid.UUID
	existing, err := s.identities.GetByEmail(ctx, email)
	switch {
	case err == nil:
		professionalID = &existing.ID
	case errors.Is(err, identity.ErrNotFound):
	default:
		return nil, err
	}

	now := s.now()
	r := &Request{
		ID:                uuid.New(),
		Type:              TypeEstablishmentToProfessional,
		EstablishmentID:   inviter.EstablishmentID,
		ProfessionalID:    professionalID,
		ProfessionalEmail: email,
		InitiatorID:       inviter.IdentityID,
		Role:              role,
		Department:        strings.TrimSpace(department),
		Message:           strings.TrimSpace(message),
		Status:            StatusPending,
		ExpiresAt:         now.Add(s.ttl),
		CreatedAt:         now,
	}
	if err := s.create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// create inserts r. A conflicting pending request that is already past its
// expiry is swept once so it does not block the new one.
func (s *Service) create(ctx context.Context, r *Request) error {
	err := s.repo.Create(ctx, r)
	if !errors.Is(err, ErrDuplicateRequest) {
		return err
	}
	swept, sweepErr := s.expire(ctx, r.CreatedAt)
	if sweepErr != nil || swept == 0 {
		return err
	}
	return s.repo.Create(ctx, r)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

// isReceiver reports whether p is the side that must act on r.
func (s *Service) isReceiver(ctx context.Context, p Party, r *Request) (bool, error) {
	switch r.Type {
	case TypeProfessionalToEstablishment:
		return p.Context.ActsFor(r.EstablishmentID) && p.Context.Can(affiliation.CapApproveAdmissions), nil
	case TypeEstablishmentToProfessional:
		if r.ProfessionalID != nil {
			return *r.ProfessionalID == p.IdentityID, nil
		}
		caller, err := s.identities.Get(ctx, p.IdentityID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return identity.NormalizeEmail(caller.Email) == r.ProfessionalEmail, nil
	default:
		return false, nil
	}
}

type outcome int

const (
	outcomeResolved outcome = iota
	outcomeExpired
)

// resolve runs one state transition under a row lock. apply performs the
// side effects and fills in the outcome fields; it only runs when the
// request is pending, unexpired and p is the receiving party. An expired
// request is persisted as expired and committed before ErrRequestExpired is
// returned.
func (s *Service) resolve(ctx context.Context, p Party, id uuid.UUID, apply func(ctx context.Context, r *Request) error) (*Request, error) {
	var (
		result *Request
		out    outcome
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case r.Status == StatusExpired:
			return ErrRequestExpired
		case r.Status.Terminal():
			return ErrTerminalState
		}
		ok, err := s.isReceiver(ctx, p, r)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotReceivingParty
		}

		now := s.now()
		if r.ExpiredAt(now) {
			r.Status = StatusExpired
			r.ResolvedAt = &now
			if err := s.repo.Resolve(ctx, r); err != nil {
				return err
			}
			result, out = r, outcomeExpired
			return nil
		}

		if err := apply(ctx, r); err != nil {
			return err
		}
		r.ResolvedAt = &now
		r.ResolvedBy = &p.IdentityID
		if err := s.repo.Resolve(ctx, r); err != nil {
			return err
		}
		result, out = r, outcomeResolved
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AdmissionResolved(string(result.Status))
	s.publish(ctx, result)
	if out == outcomeExpired {
		s.logger.Info().Str("request_id", id.String()).Msg("admission request expired before resolution")
		return result, ErrRequestExpired
	}
	return result, nil
}

// Approve accepts the request and creates the affiliation in the same
// transaction. An active affiliation that already exists counts as success;
// an inactive one is reactivated. Any other failure rolls back and leaves
// the request pending.
func (s *Service) Approve(ctx context.Context, p Party, id uuid.UUID, matricule string) (*Request, error) {
	return s.resolve(ctx, p, id, func(ctx context.Context, r *Request) error {
		if r.ProfessionalID == nil {
			r.ProfessionalID = &p.IdentityID
		}
		r.Status = StatusApproved
		if m := strings.TrimSpace(matricule); m != "" {
			r.Matricule = m
		}

		existing, err := s.affiliations.Create(ctx, affiliation.NewAffiliation{
			IdentityID:      *r.ProfessionalID,
			EstablishmentID: r.EstablishmentID,
			Role:            r.Role,
			Department:      r.Department,
			Matricule:       r.Matricule,
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, affiliation.ErrDuplicateAffiliation) && existing != nil:
			if existing.Status == affiliation.StatusActive {
				s.logger.Info().
					Str("request_id", r.ID.String()).
					Str("identity_id", r.ProfessionalID.String()).
					Msg("affiliation already present, approving request")
				return nil
			}
			// rejoining after deactivation
			if _, err := s.affiliations.Reactivate(ctx, existing.ID, r.Department, r.Matricule); err != nil {
				return fmt.Errorf("reactivate affiliation for request %s: %w", r.ID, db.Classify(err))
			}
			return nil
		default:
			return fmt.Errorf("create affiliation for request %s: %w", r.ID, db.Classify(err))
		}
	})
}

// Reject records the reason and closes the request. It has no effect on
// affiliations.
func (s *Service) Reject(ctx context.Context, p Party, id uuid.UUID, reason string) (*Request, error) {
	return s.resolve(ctx, p, id, func(_ context.Context, r *Request) error {
		r.Status = StatusRejected
		r.RejectionReason = strings.TrimSpace(reason)
		return nil
	})
}

// Inbox lists open requests the party must act on.
func (s *Service) Inbox(ctx context.Context, p Party, scope Scope, limit, offset int) ([]*Request, int, error) {
	switch scope {
	case ScopeEstablishment:
		return s.listEstablishment(ctx, p, TypeProfessionalToEstablishment, limit, offset)
	default:
		return s.listPersonal(ctx, p, TypeEstablishmentToProfessional, limit, offset)
	}
}

// Outbox lists open requests the party is waiting on.
func (s *Service) Outbox(ctx context.Context, p Party, scope Scope, limit, offset int) ([]*Request, int, error) {
	switch scope {
	case ScopeEstablishment:
		return s.listEstablishment(ctx, p, TypeEstablishmentToProfessional, limit, offset)
	default:
		return s.listPersonal(ctx, p, TypeProfessionalToEstablishment, limit, offset)
	}
}

func (s *Service) listEstablishment(ctx context.Context, p Party, t Type, limit, offset int) ([]*Request, int, error) {
	if p.Context == nil || !p.Context.Can(affiliation.CapApproveAdmissions) {
		return nil, 0, ErrForbidden
	}
	return s.repo.ListForEstablishment(ctx, p.Context.EstablishmentID, ListFilter{
		Type: t, OpenAt: s.now(), Limit: limit, Offset: offset,
	})
}

func (s *Service) listPersonal(ctx context.Context, p Party, t Type, limit, offset int) ([]*Request, int, error) {
	me, err := s.identities.Get(ctx, p.IdentityID)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListForProfessional(ctx, me.ID, identity.NormalizeEmail(me.Email), ListFilter{
		Type: t, OpenAt: s.now(), Limit: limit, Offset: offset,
	})
}

// ExpireStale sweeps every pending request past its expiry and returns how
// many were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	return s.expire(ctx, s.now())
}

func (s *Service) expire(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ExpireStale(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, r := range expired {
		s.metrics.AdmissionResolved(string(StatusExpired))
		s.publish(ctx, r)
	}
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("expired stale admission requests")
	}
	return len(expired), nil
}

type eventPayload struct {
	RequestID      uuid.UUID        `json:"request_id"`
	RequestType    Type             `json:"request_type"`
	ProfessionalID *uuid.UUID       `json:"professional_id,omitempty"`
	Role           affiliation.Role `json:"role"`
	Reason         string           `json:"reason,omitempty"`
}

var eventTypes = map[Status]string{
	StatusApproved: events.TypeAdmissionApproved,
	StatusRejected: events.TypeAdmissionRejected,
	StatusExpired:  events.TypeAdmissionExpired,
}

// publish is best effort: the transition is already committed.
func (s *Service) publish(ctx context.Context, r *Request) {
	eventType, ok := eventTypes[r.Status]
	if !ok {
		return
	}
	subject := r.ProfessionalEmail
	if r.ProfessionalID != nil {
		subject = r.ProfessionalID.String()
	}
	ev, err := events.New(eventType, r.EstablishmentID.String(), subject, eventPayload{
		RequestID:      r.ID,
		RequestType:    r.Type,
		ProfessionalID: r.ProfessionalID,
		Role:           r.Role,
		Reason:         r.RejectionReason,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", r.ID.String()).Str("event", eventType).Msg("publish admission event")
	}
}
