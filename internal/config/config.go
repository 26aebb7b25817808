package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// Billing policy. The coverage rate fallback and the annual ceiling are
	// operator inputs, not constants of the insurer.
	DefaultCoverageRate  float64 `mapstructure:"DEFAULT_COVERAGE_RATE"`
	CoverageCeiling      int64   `mapstructure:"COVERAGE_CEILING"`
	Currency             string  `mapstructure:"CURRENCY"`
	CurrencyRoundingUnit int64   `mapstructure:"CURRENCY_ROUNDING_UNIT"`

	AdmissionTTL             time.Duration `mapstructure:"ADMISSION_TTL"`
	InvoiceNumberMaxAttempts int           `mapstructure:"INVOICE_NUMBER_MAX_ATTEMPTS"`

	PaymentWebhookSecret       string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentConfirmationChannel string `mapstructure:"PAYMENT_CONFIRMATION_CHANNEL"`
	EventsChannelPrefix        string `mapstructure:"EVENTS_CHANNEL_PREFIX"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_COVERAGE_RATE", "COVERAGE_CEILING", "CURRENCY", "CURRENCY_ROUNDING_UNIT",
	"ADMISSION_TTL", "INVOICE_NUMBER_MAX_ATTEMPTS",
	"PAYMENT_WEBHOOK_SECRET", "PAYMENT_CONFIRMATION_CHANNEL", "EVENTS_CHANNEL_PREFIX",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_COVERAGE_RATE", 0.8)
	v.SetDefault("COVERAGE_CEILING", 500000)
	v.SetDefault("CURRENCY", "XAF")
	v.SetDefault("CURRENCY_ROUNDING_UNIT", 1)
	v.SetDefault("ADMISSION_TTL", "720h")
	v.SetDefault("INVOICE_NUMBER_MAX_ATTEMPTS", 5)
	v.SetDefault("PAYMENT_CONFIRMATION_CHANNEL", "sante:payments:confirmations")
	v.SetDefault("EVENTS_CHANNEL_PREFIX", "sante:events")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are authenticated from the X-Identity-ID header.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.DefaultCoverageRate < 0 || c.DefaultCoverageRate > 1 {
		return fmt.Errorf("DEFAULT_COVERAGE_RATE must be within [0,1], got %v", c.DefaultCoverageRate)
	}
	if c.CoverageCeiling < 0 {
		return fmt.Errorf("COVERAGE_CEILING must not be negative, got %d", c.CoverageCeiling)
	}
	if c.CurrencyRoundingUnit <= 0 {
		return fmt.Errorf("CURRENCY_ROUNDING_UNIT must be positive, got %d", c.CurrencyRoundingUnit)
	}
	if c.AdmissionTTL <= 0 {
		return fmt.Errorf("ADMISSION_TTL must be positive, got %s", c.AdmissionTTL)
	}
	if c.InvoiceNumberMaxAttempts < 1 {
		return fmt.Errorf("INVOICE_NUMBER_MAX_ATTEMPTS must be at least 1, got %d", c.InvoiceNumberMaxAttempts)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}
	return nil
}
