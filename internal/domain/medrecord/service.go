package medrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/identity"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

// pageSize is how many entries Aggregate reads per round trip.
const pageSize = 100

type IdentityLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
}

type Service struct {
	entries    EntryRepository
	grants     GrantRepository
	identities IdentityLookup
	publisher  events.Publisher
	logger     zerolog.Logger
	pageSize   int
	now        func() time.Time
}

func NewService(entries EntryRepository, grants GrantRepository, identities IdentityLookup, logger zerolog.Logger) *Service {
	return &Service{
		entries:    entries,
		grants:     grants,
		identities: identities,
		publisher:  events.NopPublisher{},
		logger:     logger.With().Str("component", "medrecord").Logger(),
		pageSize:   pageSize,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// Record appends an entry authored under wc to the patient's history.
func (s *Service) Record(ctx context.Context, wc *workcontext.WorkingContext, patientID uuid.UUID, in NewEntry) (*Entry, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	if wc == nil || !wc.Can(in.Kind.RequiredCapability()) {
		return nil, ErrForbidden
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", ErrInvalidInput)
	}
	if _, err := s.identities.Get(ctx, patientID); err != nil {
		return nil, err
	}
	if in.Supersedes != nil {
		prev, err := s.entries.GetByID(ctx, *in.Supersedes)
		if err != nil {
			return nil, err
		}
		if prev.PatientID != patientID {
			return nil, fmt.Errorf("%w: superseded entry belongs to another patient", ErrInvalidInput)
		}
	}

	now := s.now()
	recordedAt := now
	if in.RecordedAt != nil {
		recordedAt = in.RecordedAt.UTC()
	}
	e := &Entry{
		ID:              uuid.New(),
		PatientID:       patientID,
		EstablishmentID: wc.EstablishmentID,
		AuthorID:        wc.IdentityID,
		Kind:            in.Kind,
		Title:           title,
		Summary:         strings.TrimSpace(in.Summary),
		Data:            data,
		Supersedes:      in.Supersedes,
		RecordedAt:      recordedAt,
		CreatedAt:       now,
	}
	if err := s.entries.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("establishment_id", e.EstablishmentID.String()).
		Str("kind", string(e.Kind)).
		Msg("medical record entry recorded")
	return e, nil
}

// Aggregate yields the entries of the patient that v may see, newest first,
// starting strictly after the cursor when one is given. Each range re-reads
// grants and entries, so a grant revoked before the range began is never
// honoured. Ranging stops at the first error.
func (s *Service) Aggregate(ctx context.Context, v Viewer, patientID uuid.UUID, after *pagination.Cursor) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		self := v.IdentityID == patientID
		if !self && !v.Context.Can(affiliation.CapViewMedicalRecords) {
			yield(nil, ErrForbidden)
			return
		}

		var grants []*Grant
		if !self {
			var err error
			grants, err = s.grants.ListActive(ctx, patientID, s.now())
			if err != nil {
				yield(nil, err)
				return
			}
		}

		cursor := after
		for {
			page, err := s.entries.ListPage(ctx, patientID, cursor, s.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if !Visible(v, e, grants) {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// Grant lets a grantee read the patient's records authored elsewhere.
func (s *Service) Grant(ctx context.Context, patientID uuid.UUID, in NewGrant) (*Grant, error) {
	g := &Grant{
		ID:                     uuid.New(),
		PatientID:              patientID,
		GranteeEstablishmentID: in.GranteeEstablishmentID,
		GranteeProfessionalID:  in.GranteeProfessionalID,
		AllEstablishments:      in.AllEstablishments,
		SourceEstablishmentID:  in.SourceEstablishmentID,
		GrantedAt:              s.now(),
		ExpiresAt:              in.ExpiresAt,
	}
	if g.granteeForms() != 1 {
		return nil, fmt.Errorf("%w: exactly one grantee is required", ErrInvalidInput)
	}
	if g.GranteeProfessionalID != nil && *g.GranteeProfessionalID == patientID {
		return nil, fmt.Errorf("%w: cannot grant access to oneself", ErrInvalidInput)
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(g.GrantedAt) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if err := s.grants.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) ListGrants(ctx context.Context, patientID uuid.UUID) ([]*Grant, error) {
	return s.grants.ListByPatient(ctx, patientID)
}

// Revoke ends a grant owned by the patient. Revoking twice returns the
// grant unchanged. Grants of other patients are reported as not found.
func (s *Service) Revoke(ctx context.Context, patientID, grantID uuid.UUID) (*Grant, error) {
	g, err := s.grants.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.PatientID != patientID {
		return nil, ErrGrantNotFound
	}
	if g.RevokedAt != nil {
		return g, nil
	}

	g, err = s.grants.Revoke(ctx, grantID, s.now())
	if err != nil {
		return nil, err
	}
	ev, err := events.New(events.TypeConsentRevoked, "", g.ID.String(), map[string]string{
		"patient_id": g.PatientID.String(),
	})
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("grant_id", g.ID.String()).Msg("publish consent revocation failed")
	}
	return g, nil
}
