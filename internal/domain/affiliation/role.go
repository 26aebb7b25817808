package affiliation

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Role is the closed set of establishment roles. The zero value is invalid.
type Role uint8

const (
	RoleDoctor Role = iota + 1
	RoleSpecialist
	RoleNurse
	RoleMidwife
	RolePharmacist
	RoleLabTechnician
	RoleRadiologist
	RoleReceptionist
	RoleAccountant
	RoleAdministrator
	RoleDirector

	roleSentinel
)

type roleInfo struct {
	name        string
	label       string
	clinical    bool
	permissions []Capability
}

// roleCatalog is indexed by Role. Every role must have an entry: the
// assertion below stops the build when the catalog and the constants drift.
var roleCatalog = [...]roleInfo{
	RoleDoctor: {
		name: "doctor", label: "Médecin", clinical: true,
		permissions: []Capability{CapViewPatients, CapEditPatients, CapCreateConsultations, CapWritePrescriptions, CapViewMedicalRecords, CapOrderLabTests},
	},
	RoleSpecialist: {
		name: "specialist", label: "Médecin spécialiste", clinical: true,
		permissions: []Capability{CapViewPatients, CapEditPatients, CapCreateConsultations, CapWritePrescriptions, CapViewMedicalRecords, CapOrderLabTests},
	},
	RoleNurse: {
		name: "nurse", label: "Infirmier(ère)", clinical: true,
		permissions: []Capability{CapViewPatients, CapEditPatients, CapCreateConsultations, CapViewMedicalRecords},
	},
	RoleMidwife: {
		name: "midwife", label: "Sage-femme", clinical: true,
		permissions: []Capability{CapViewPatients, CapEditPatients, CapCreateConsultations, CapViewMedicalRecords, CapWritePrescriptions},
	},
	RolePharmacist: {
		name: "pharmacist", label: "Pharmacien(ne)", clinical: true,
		permissions: []Capability{CapViewPatients, CapDispenseMedications, CapWritePrescriptions, CapRecordPayments},
	},
	RoleLabTechnician: {
		name: "lab_technician", label: "Technicien(ne) de laboratoire", clinical: true,
		permissions: []Capability{CapViewPatients, CapOrderLabTests},
	},
	RoleRadiologist: {
		name: "radiologist", label: "Radiologue", clinical: true,
		permissions: []Capability{CapViewPatients, CapCreateConsultations, CapViewMedicalRecords},
	},
	RoleReceptionist: {
		name: "receptionist", label: "Réceptionniste",
		permissions: []Capability{CapViewPatients, CapEditPatients, CapRecordPayments},
	},
	RoleAccountant: {
		name: "accountant", label: "Comptable",
		permissions: []Capability{CapManageBilling, CapRecordPayments, CapViewReports},
	},
	RoleAdministrator: {
		name: "administrator", label: "Administrateur",
		permissions: []Capability{CapViewPatients, CapManageStaff, CapApproveAdmissions, CapManageBilling, CapRecordPayments, CapViewReports},
	},
	RoleDirector: {
		name: "director", label: "Directeur",
		permissions: []Capability{CapViewPatients, CapManageStaff, CapApproveAdmissions, CapManageBilling, CapViewReports},
	},
}

var _ = [1]struct{}{}[len(roleCatalog)-int(roleSentinel)]

// AllRoles lists every valid role in declaration order.
func AllRoles() []Role {
	out := make([]Role, 0, int(roleSentinel)-1)
	for r := Role(1); r < roleSentinel; r++ {
		out = append(out, r)
	}
	return out
}

func (r Role) Valid() bool { return r > 0 && r < roleSentinel }

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
	return roleCatalog[r].name
}

// Label is the display label shown to users.
func (r Role) Label() string {
	if !r.Valid() {
		return ""
	}
	return roleCatalog[r].label
}

// Clinical reports whether the role authors medical records.
func (r Role) Clinical() bool {
	return r.Valid() && roleCatalog[r].clinical
}

// DefaultPermissions returns a fresh permission set granting exactly the
// role's catalog capabilities.
func (r Role) DefaultPermissions() PermissionSet {
	ps := make(PermissionSet)
	if !r.Valid() {
		return ps
	}
	for _, c := range roleCatalog[r].permissions {
		ps[c] = true
	}
	return ps
}

// ParseRole maps a stored or submitted role name to a Role. Unknown names
// yield ErrUnsupportedRole.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r := Role(1); r < roleSentinel; r++ {
		if roleCatalog[r].name == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRole, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value stores the role by name.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRole, uint8(r))
	}
	return r.String(), nil
}

// Scan reads a role name. A value the catalog does not know is a
// configuration mismatch and reports ErrUnsupportedRole.
func (r *Role) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrUnsupportedRole, src)
	}
}
