package medrecord

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	ErrInvalidInput  = errors.New("invalid medical record input")
	ErrForbidden     = errors.New("not allowed to access these medical records")
	ErrNotFound      = fmt.Errorf("medical record entry %w", db.ErrNotFound)
	ErrGrantNotFound = fmt.Errorf("consent grant %w", db.ErrNotFound)
)

type Kind string

const (
	KindConsultation    Kind = "consultation"
	KindLabResult       Kind = "lab_result"
	KindPrescription    Kind = "prescription"
	KindImaging         Kind = "imaging"
	KindHospitalization Kind = "hospitalization"
	KindVaccination     Kind = "vaccination"
)

// authoringCapability is the capability needed to record each kind.
var authoringCapability = map[Kind]affiliation.Capability{
	KindConsultation:    affiliation.CapCreateConsultations,
	KindLabResult:       affiliation.CapOrderLabTests,
	KindPrescription:    affiliation.CapWritePrescriptions,
	KindImaging:         affiliation.CapCreateConsultations,
	KindHospitalization: affiliation.CapCreateConsultations,
	KindVaccination:     affiliation.CapCreateConsultations,
}

func (k Kind) Valid() bool {
	_, ok := authoringCapability[k]
	return ok
}

// RequiredCapability returns the capability an author needs for k.
func (k Kind) RequiredCapability() affiliation.Capability {
	return authoringCapability[k]
}

// Entry is an immutable medical fact authored at one establishment.
// Corrections are new entries pointing at the one they supersede.
type Entry struct {
	ID              uuid.UUID       `json:"id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	EstablishmentID uuid.UUID       `json:"establishment_id"`
	AuthorID        uuid.UUID       `json:"author_id"`
	Kind            Kind            `json:"kind"`
	Title           string          `json:"title"`
	Summary         string          `json:"summary,omitempty"`
	Data            json.RawMessage `json:"data"`
	Supersedes      *uuid.UUID      `json:"supersedes,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

type NewEntry struct {
	Kind       Kind            `json:"kind"`
	Title      string          `json:"title"`
	Summary    string          `json:"summary"`
	Data       json.RawMessage `json:"data"`
	Supersedes *uuid.UUID      `json:"supersedes,omitempty"`
	RecordedAt *time.Time      `json:"recorded_at,omitempty"`
}

// Grant lets a grantee read the patient's records authored elsewhere.
// Exactly one grantee form is set: an establishment, a professional, or
// every establishment. A nil SourceEstablishmentID covers every authoring
// establishment.
type Grant struct {
	ID                     uuid.UUID  `json:"id"`
	PatientID              uuid.UUID  `json:"patient_id"`
	GranteeEstablishmentID *uuid.UUID `json:"grantee_establishment_id,omitempty"`
	GranteeProfessionalID  *uuid.UUID `json:"grantee_professional_id,omitempty"`
	AllEstablishments      bool       `json:"all_establishments"`
	SourceEstablishmentID  *uuid.UUID `json:"source_establishment_id,omitempty"`
	GrantedAt              time.Time  `json:"granted_at"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	RevokedAt              *time.Time `json:"revoked_at,omitempty"`
}

func (g *Grant) granteeForms() int {
	n := 0
	if g.GranteeEstablishmentID != nil {
		n++
	}
	if g.GranteeProfessionalID != nil {
		n++
	}
	if g.AllEstablishments {
		n++
	}
	return n
}

// ActiveAt reports whether the grant is neither revoked nor expired at t.
func (g *Grant) ActiveAt(t time.Time) bool {
	if g.RevokedAt != nil && !t.Before(*g.RevokedAt) {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

type NewGrant struct {
	GranteeEstablishmentID *uuid.UUID `json:"grantee_establishment_id,omitempty"`
	GranteeProfessionalID  *uuid.UUID `json:"grantee_professional_id,omitempty"`
	AllEstablishments      bool       `json:"all_establishments"`
	SourceEstablishmentID  *uuid.UUID `json:"source_establishment_id,omitempty"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
}
