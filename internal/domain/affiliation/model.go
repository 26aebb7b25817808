package affiliation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusPending:
		return true
	}
	return false
}

// Affiliation grants an identity one role at one establishment.
type Affiliation struct {
	ID              uuid.UUID     `json:"id"`
	IdentityID      uuid.UUID     `json:"identity_id"`
	EstablishmentID uuid.UUID     `json:"establishment_id"`
	Role            Role          `json:"role"`
	Department      string        `json:"department,omitempty"`
	JobPosition     string        `json:"job_position,omitempty"`
	IsAdmin         bool          `json:"is_admin"`
	Permissions     PermissionSet `json:"permissions"`
	Status          Status        `json:"status"`
	Matricule       string        `json:"matricule,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (a *Affiliation) Active() bool { return a.Status == StatusActive }

// NewAffiliation is the input to Create. A nil Permissions gets the role's
// catalog defaults; a non-nil one is applied over those defaults.
type NewAffiliation struct {
	IdentityID      uuid.UUID
	EstablishmentID uuid.UUID
	Role            Role
	Department      string
	JobPosition     string
	IsAdmin         bool
	Permissions     PermissionSet
	Matricule       string
}

// Patch lists the mutable fields. Nil fields are left unchanged.
type Patch struct {
	Role        *Role         `json:"role,omitempty"`
	Department  *string       `json:"department,omitempty"`
	JobPosition *string       `json:"job_position,omitempty"`
	IsAdmin     *bool         `json:"is_admin,omitempty"`
	Permissions PermissionSet `json:"permissions,omitempty"`
	Status      *Status       `json:"status,omitempty"`
	Matricule   *string       `json:"matricule,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Role == nil && p.Department == nil && p.JobPosition == nil &&
		p.IsAdmin == nil && p.Permissions == nil && p.Status == nil && p.Matricule == nil
}

// ListFilter narrows ListByEstablishment. Zero values match everything.
type ListFilter struct {
	Status Status
	Role   Role
}
