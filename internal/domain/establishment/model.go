package establishment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	ErrCodeTaken    = errors.New("establishment code already in use")
	ErrInvalidInput = errors.New("invalid establishment input")
	ErrNotFound     = fmt.Errorf("establishment %w", db.ErrNotFound)
)

type Type string

const (
	TypeHospital    Type = "hospital"
	TypeClinic      Type = "clinic"
	TypePharmacy    Type = "pharmacy"
	TypeLaboratory  Type = "laboratory"
	TypeCabinet     Type = "cabinet"
	TypeInstitution Type = "institution"
)

func (t Type) Valid() bool {
	switch t {
	case TypeHospital, TypeClinic, TypePharmacy, TypeLaboratory, TypeCabinet, TypeInstitution:
		return true
	}
	return false
}

type Sector string

const (
	SectorPublic       Sector = "public"
	SectorPrivate      Sector = "private"
	SectorConfessional Sector = "confessional"
	SectorMilitary     Sector = "military"
)

func (s Sector) Valid() bool {
	switch s {
	case SectorPublic, SectorPrivate, SectorConfessional, SectorMilitary:
		return true
	}
	return false
}

// Establishment is a care organization. Code prefixes its invoice numbers.
type Establishment struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Type        Type      `json:"type"`
	Sector      Sector    `json:"sector"`
	City        string    `json:"city,omitempty"`
	Province    string    `json:"province,omitempty"`
	Conventions []string  `json:"conventions"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AcceptsConvention reports whether the establishment is conventioned with
// the insurer fund identified by code, e.g. "CNAMGS".
func (e *Establishment) AcceptsConvention(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, c := range e.Conventions {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// NewEstablishment is the registration input. AdministratorID, when set,
// receives an administrator affiliation in the same transaction.
type NewEstablishment struct {
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	Type            Type       `json:"type"`
	Sector          Sector     `json:"sector"`
	City            string     `json:"city"`
	Province        string     `json:"province"`
	Conventions     []string   `json:"conventions"`
	AdministratorID *uuid.UUID `json:"administrator_id,omitempty"`
}
