package main

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/config"
	"github.com/okatech-org/sante-sub008/internal/domain/admission"
	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/identity"
	"github.com/okatech-org/sante-sub008/internal/domain/invoicing"
	"github.com/okatech-org/sante-sub008/internal/domain/medrecord"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
	"github.com/okatech-org/sante-sub008/internal/platform/middleware"
	"github.com/okatech-org/sante-sub008/internal/platform/telemetry"
	"github.com/okatech-org/sante-sub008/internal/platform/webhook"
	"github.com/okatech-org/sante-sub008/migrations"
)

const version = "0.1.0"

// app holds the wired services so the serve and maintenance commands share
// one construction path.
type app struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	logger zerolog.Logger

	identities     *identity.Service
	establishments *establishment.Service
	affiliations   *affiliation.Service
	resolver       *workcontext.Resolver
	admissions     *admission.Service
	records        *medrecord.Service
	invoices       *invoicing.Service
	policy         reimbursement.Policy

	confirmations events.MessageHandler
}

func policyFrom(cfg *config.Config) reimbursement.Policy {
	return reimbursement.Policy{
		DefaultCoverageRate: cfg.DefaultCoverageRate,
		Ceiling:             reimbursement.Amount(cfg.CoverageCeiling),
		RoundingUnit:        reimbursement.Amount(cfg.CurrencyRoundingUnit),
	}
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *app {
	tx := db.NewTransactor(pool)
	a := &app{cfg: cfg, pool: pool, logger: logger, policy: policyFrom(cfg)}

	a.identities = identity.NewService(identity.NewRepo(pool))
	a.affiliations = affiliation.NewService(affiliation.NewRepo(pool), logger)
	a.establishments = establishment.NewService(establishment.NewRepo(pool), a.affiliations, tx)
	a.resolver = workcontext.NewResolver(a.affiliations)
	a.admissions = admission.NewService(admission.NewRepo(pool), a.affiliations, a.identities, a.establishments, tx, cfg.AdmissionTTL, logger)
	a.records = medrecord.NewService(medrecord.NewEntryRepo(pool), medrecord.NewGrantRepo(pool), a.identities, logger)
	a.invoices = invoicing.NewService(invoicing.NewRepo(pool), a.establishments, tx, a.policy, cfg.Currency, cfg.InvoiceNumberMaxAttempts, logger)
	a.confirmations = invoicing.ConfirmationHandler(a.invoices, logger)
	return a
}

func (a *app) setPublisher(p events.Publisher) {
	a.admissions.SetPublisher(p)
	a.records.SetPublisher(p)
	a.invoices.SetPublisher(p)
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		JWKSURL:  a.cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if a.cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(a.cfg.AuthSigningKey)
	}
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// router builds the HTTP server. Auth runs before the working-context
// resolver, which needs the caller's identity.
func (a *app) router() (*echo.Echo, error) {
	metrics, err := telemetry.New()
	if err != nil {
		return nil, err
	}
	a.affiliations.SetMetrics(metrics)
	a.admissions.SetMetrics(metrics)
	a.invoices.SetMetrics(metrics)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID",
			workcontext.EstablishmentHeader, workcontext.RoleHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30*time.Second, a.logger))
	e.Use(a.authMiddleware())
	e.Use(workcontext.Middleware(a.resolver))
	e.Use(middleware.Audit(a.logger, nil))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, db.NewMigrator(a.pool, migrations.FS).Status))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	limits := middleware.DefaultRateLimitConfig()
	limits.RequestsPerSecond = a.cfg.RateLimitRPS
	limits.BurstSize = a.cfg.RateLimitBurst
	api.Use(middleware.RateLimit(limits))

	identity.NewHandler(a.identities).RegisterRoutes(api)
	establishment.NewHandler(a.establishments).RegisterRoutes(api)
	workcontext.NewHandler(a.resolver, a.affiliations).RegisterRoutes(api)
	admission.NewHandler(a.admissions).RegisterRoutes(api)
	medrecord.NewHandler(a.records).RegisterRoutes(api)

	quotes := reimbursement.NewHandler(a.policy, a.cfg.Currency)
	quotes.SetMetrics(metrics)
	quotes.RegisterRoutes(api)

	invoices := invoicing.NewHandler(a.invoices)
	invoices.RegisterRoutes(api)
	invoices.RegisterWebhook(api, webhook.RequireSignature(webhook.VerifyConfig{
		Secret: a.cfg.PaymentWebhookSecret,
	}))

	return e, nil
}
