package affiliation

import (
	"fmt"
	"sort"
)

// Capability names one action an affiliation may be allowed to perform.
type Capability string

const (
	CapViewPatients        Capability = "view_patients"
	CapEditPatients        Capability = "edit_patients"
	CapCreateConsultations Capability = "create_consultations"
	CapWritePrescriptions  Capability = "write_prescriptions"
	CapViewMedicalRecords  Capability = "view_medical_records"
	CapOrderLabTests       Capability = "order_lab_tests"
	CapDispenseMedications Capability = "dispense_medications"
	CapManageBilling       Capability = "manage_billing"
	CapRecordPayments      Capability = "record_payments"
	CapManageStaff         Capability = "manage_staff"
	CapApproveAdmissions   Capability = "approve_admissions"
	CapViewReports         Capability = "view_reports"
)

var knownCapabilities = map[Capability]bool{
	CapViewPatients:        true,
	CapEditPatients:        true,
	CapCreateConsultations: true,
	CapWritePrescriptions:  true,
	CapViewMedicalRecords:  true,
	CapOrderLabTests:       true,
	CapDispenseMedications: true,
	CapManageBilling:       true,
	CapRecordPayments:      true,
	CapManageStaff:         true,
	CapApproveAdmissions:   true,
	CapViewReports:         true,
}

func (c Capability) Valid() bool { return knownCapabilities[c] }

// AllCapabilities returns every capability sorted by name.
func AllCapabilities() []Capability {
	out := make([]Capability, 0, len(knownCapabilities))
	for c := range knownCapabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionSet maps capabilities to allowed (true) or denied (false).
// Capabilities absent from the set are denied.
type PermissionSet map[Capability]bool

// Allows reports whether c is explicitly allowed.
func (p PermissionSet) Allows(c Capability) bool {
	return p[c]
}

// Validate rejects capability names outside the known set.
func (p PermissionSet) Validate() error {
	for c := range p {
		if !c.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, string(c))
		}
	}
	return nil
}

// With returns a copy of p with overrides applied on top.
func (p PermissionSet) With(overrides PermissionSet) PermissionSet {
	out := make(PermissionSet, len(p)+len(overrides))
	for c, v := range p {
		out[c] = v
	}
	for c, v := range overrides {
		out[c] = v
	}
	return out
}

// Allowed lists the allowed capabilities sorted by name.
func (p PermissionSet) Allowed() []Capability {
	var out []Capability
	for c, ok := range p {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
