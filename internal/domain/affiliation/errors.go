package affiliation

import (
	"errors"
	"fmt"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	// ErrDuplicateAffiliation means the (identity, establishment, role)
	// triple already exists. Callers creating affiliations as part of a
	// larger workflow treat it as success.
	ErrDuplicateAffiliation = errors.New("affiliation already exists")
	// ErrUnsupportedRole is a role value the catalog does not know, whether
	// submitted by a client or read back from the store.
	ErrUnsupportedRole   = errors.New("unsupported role")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidInput      = errors.New("invalid affiliation input")
	ErrForbidden         = errors.New("not allowed to manage staff at this establishment")
	ErrNotFound          = fmt.Errorf("affiliation %w", db.ErrNotFound)
)
