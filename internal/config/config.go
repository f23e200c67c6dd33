// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Landlord database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Tenant databases
	TenantDBDriver   string // "sqlite" or "postgres"
	TenantDBDir      string // SQLite files live here
	TenantDBAdminURL string // Postgres maintenance connection for CREATE/DROP DATABASE
	TenantsDir       string // per-tenant artifact directories

	CentralDomain string
	PublicBaseURL string
	Currency      string

	// Payments
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Abandoned checkouts are purged after PendingCheckoutTTL, checked
	// every SweepInterval.
	PendingCheckoutTTL time.Duration
	SweepInterval      time.Duration

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultTenantDBDriver = "sqlite"
	DefaultTenantDBDir    = "data/tenants-db"
	DefaultTenantsDir     = "data/tenants"
	DefaultCentralDomain  = "localhost"
	DefaultPublicBaseURL  = "http://localhost:8080"
	DefaultCurrency       = "USD"
	DefaultRateLimit      = 100
	DefaultPendingTTL     = 72 * time.Hour
	DefaultSweepInterval  = time.Hour
)

// Tenant database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		TenantDBDriver:      strings.ToLower(getEnv("TENANT_DB_DRIVER", DefaultTenantDBDriver)),
		TenantDBDir:         getEnv("TENANT_DB_DIR", DefaultTenantDBDir),
		TenantDBAdminURL:    os.Getenv("TENANT_DB_ADMIN_URL"),
		TenantsDir:          getEnv("TENANTS_DIR", DefaultTenantsDir),
		CentralDomain:       getEnv("CENTRAL_DOMAIN", DefaultCentralDomain),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", DefaultPublicBaseURL), "/"),
		Currency:            strings.ToUpper(getEnv("CURRENCY", DefaultCurrency)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		PendingCheckoutTTL:  getEnvDuration("PENDING_CHECKOUT_TTL", DefaultPendingTTL),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.TenantDBDriver {
	case DriverSQLite:
		if c.TenantDBDir == "" {
			return fmt.Errorf("TENANT_DB_DIR is required for the sqlite tenant driver")
		}
	case DriverPostgres:
		if c.TenantDBAdminURL == "" {
			return fmt.Errorf("TENANT_DB_ADMIN_URL is required for the postgres tenant driver")
		}
	default:
		return fmt.Errorf("TENANT_DB_DRIVER must be sqlite or postgres, got %q", c.TenantDBDriver)
	}

	if c.CentralDomain == "" {
		return fmt.Errorf("CENTRAL_DOMAIN is required")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.PendingCheckoutTTL < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("PENDING_CHECKOUT_TTL and SWEEP_INTERVAL must not be negative")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
		}
	}

	return nil
}

// StripeEnabled reports whether card payments are configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
