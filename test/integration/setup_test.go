//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/okatech-org/sante-sub008/internal/domain/admission"
	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/identity"
	"github.com/okatech-org/sante-sub008/internal/domain/invoicing"
	"github.com/okatech-org/sante-sub008/internal/domain/medrecord"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/migrations"
)

// globalPool is the migrated database shared by every test, set in TestMain.
// Tests isolate themselves with fresh identities and establishment codes.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// stack wires the services against globalPool the way the server does.
type stack struct {
	identities     *identity.Service
	establishments *establishment.Service
	affiliations   *affiliation.Service
	resolver       *workcontext.Resolver
	admissions     *admission.Service
	records        *medrecord.Service
	invoices       *invoicing.Service
}

var testPolicy = reimbursement.Policy{
	DefaultCoverageRate: 0.8,
	Ceiling:             500000,
	RoundingUnit:        1,
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zerolog.Nop()
	tx := db.NewTransactor(globalPool)

	s := &stack{}
	s.identities = identity.NewService(identity.NewRepo(globalPool))
	s.affiliations = affiliation.NewService(affiliation.NewRepo(globalPool), logger)
	s.establishments = establishment.NewService(establishment.NewRepo(globalPool), s.affiliations, tx)
	s.resolver = workcontext.NewResolver(s.affiliations)
	s.admissions = admission.NewService(admission.NewRepo(globalPool), s.affiliations, s.identities, s.establishments, tx, 72*time.Hour, logger)
	s.records = medrecord.NewService(medrecord.NewEntryRepo(globalPool), medrecord.NewGrantRepo(globalPool), s.identities, logger)
	s.invoices = invoicing.NewService(invoicing.NewRepo(globalPool), s.establishments, tx, testPolicy, "XAF", 5, logger)
	return s
}

func uniqueSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *stack) register(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := s.identities.Register(context.Background(), name,
		strings.ToLower(strings.ReplaceAll(name, " ", "."))+"."+uniqueSuffix()+"@example.ga", "")
	require.NoError(t, err)
	return id
}

// establishment registers a hospital with admin as its administrator.
func (s *stack) establishment(t *testing.T, admin uuid.UUID, conventions ...string) *establishment.Establishment {
	t.Helper()
	est, err := s.establishments.Create(context.Background(), establishment.NewEstablishment{
		Code:            "H" + uniqueSuffix(),
		Name:            "Hôpital " + uniqueSuffix(),
		Type:            establishment.TypeHospital,
		Sector:          establishment.SectorPublic,
		City:            "Libreville",
		Conventions:     conventions,
		AdministratorID: &admin,
	})
	require.NoError(t, err)
	return est
}

func (s *stack) affiliate(t *testing.T, identityID, establishmentID uuid.UUID, role affiliation.Role) *workcontext.WorkingContext {
	t.Helper()
	ctx := context.Background()
	_, err := s.affiliations.Create(ctx, affiliation.NewAffiliation{
		IdentityID:      identityID,
		EstablishmentID: establishmentID,
		Role:            role,
	})
	require.NoError(t, err)
	wc, err := s.resolver.Resolve(ctx, identityID, establishmentID, &role)
	require.NoError(t, err)
	return wc
}
