package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	ErrTerminalState     = errors.New("admission request is already resolved")
	ErrRequestExpired    = errors.New("admission request has expired")
	ErrNotReceivingParty = errors.New("only the receiving party may resolve this request")
	ErrDuplicateRequest  = errors.New("an open request already exists for this professional, establishment and role")
	ErrForbidden         = errors.New("not allowed to invite professionals to this establishment")
	ErrInvalidInput      = errors.New("invalid admission input")
	ErrNotFound          = fmt.Errorf("admission request %w", db.ErrNotFound)
)

// Type records which side made the offer; the other side resolves it.
type Type string

const (
	TypeProfessionalToEstablishment Type = "professional_to_establishment"
	TypeEstablishmentToProfessional Type = "establishment_to_professional"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Request is a join request or an invitation. ProfessionalID is nil for an
// invitation sent to an e-mail that has no identity yet.
type Request struct {
	ID                uuid.UUID        `json:"id"`
	Type              Type             `json:"request_type"`
	EstablishmentID   uuid.UUID        `json:"establishment_id"`
	ProfessionalID    *uuid.UUID       `json:"professional_id,omitempty"`
	ProfessionalEmail string           `json:"professional_email"`
	InitiatorID       uuid.UUID        `json:"initiator_id"`
	Role              affiliation.Role `json:"role"`
	Department        string           `json:"department,omitempty"`
	Message           string           `json:"message,omitempty"`
	Status            Status           `json:"status"`
	Matricule         string           `json:"matricule,omitempty"`
	RejectionReason   string           `json:"rejection_reason,omitempty"`
	ExpiresAt         time.Time        `json:"expires_at"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy        *uuid.UUID       `json:"resolved_by,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ExpiredAt reports whether the request can no longer be resolved at now.
func (r *Request) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ListFilter selects open requests of one type. A zero OpenAt lists every
// status; otherwise only requests still pending and unexpired at OpenAt.
type ListFilter struct {
	Type   Type
	OpenAt time.Time
	Limit  int
	Offset int
}

// Scope selects whose inbox or outbox is listed.
type Scope string

const (
	ScopePersonal      Scope = "me"
	ScopeEstablishment Scope = "establishment"
)
