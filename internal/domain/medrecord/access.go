package medrecord

import (
	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
)

// Viewer is whoever reads a patient's aggregated history. Professionals
// read under a working context; the patient reads their own records
// without one.
type Viewer struct {
	IdentityID uuid.UUID
	Context    *workcontext.WorkingContext
}

// coversRequester reports whether g names the viewer as grantee.
func (g *Grant) coversRequester(v Viewer) bool {
	if v.Context == nil {
		return false
	}
	switch {
	case g.AllEstablishments:
		return true
	case g.GranteeEstablishmentID != nil:
		return *g.GranteeEstablishmentID == v.Context.EstablishmentID
	case g.GranteeProfessionalID != nil:
		return *g.GranteeProfessionalID == v.IdentityID
	}
	return false
}

func (g *Grant) coversSource(establishmentID uuid.UUID) bool {
	return g.SourceEstablishmentID == nil || *g.SourceEstablishmentID == establishmentID
}

// Visible decides whether v may see e given the grants active when the
// aggregation started. Every entry is either included or excluded.
func Visible(v Viewer, e *Entry, grants []*Grant) bool {
	if v.IdentityID == e.PatientID {
		return true
	}
	if v.Context != nil && v.Context.EstablishmentID == e.EstablishmentID {
		return true
	}
	for _, g := range grants {
		if g.PatientID == e.PatientID && g.coversRequester(v) && g.coversSource(e.EstablishmentID) {
			return true
		}
	}
	return false
}
