package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "development")
	t.Setenv("TENANT_DB_DRIVER", "")
	t.Setenv("CURRENCY", "eur")
	t.Setenv("PUBLIC_BASE_URL", "https://app.peopledesk.test/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.TenantDBDriver)
	assert.Equal(t, DefaultTenantDBDir, cfg.TenantDBDir)
	assert.Equal(t, DefaultCentralDomain, cfg.CentralDomain)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, "https://app.peopledesk.test", cfg.PublicBaseURL)
	assert.False(t, cfg.StripeEnabled())
	assert.Equal(t, DefaultPendingTTL, cfg.PendingCheckoutTTL)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoad_SweepAndTracing(t *testing.T) {
	t.Setenv("TENANT_DB_DRIVER", "")
	t.Setenv("CURRENCY", "")
	t.Setenv("PENDING_CHECKOUT_TTL", "24h")
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.PendingCheckoutTTL)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
}

func TestLoad_UnknownTenantDriver(t *testing.T) {
	t.Setenv("TENANT_DB_DRIVER", "mysql")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TENANT_DB_DRIVER")
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("ADMIN_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:            "production",
			TenantDBDriver: DriverSQLite,
			TenantDBDir:    "/var/lib/peopledesk",
			CentralDomain:  "peopledesk.test",
			Currency:       "USD",
			AdminSecret:    "s3cret",
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "postgres without admin url",
			mutate:  func(c *Config) { c.TenantDBDriver = DriverPostgres },
			wantErr: "TENANT_DB_ADMIN_URL is required",
		},
		{
			name: "postgres with admin url",
			mutate: func(c *Config) {
				c.TenantDBDriver = DriverPostgres
				c.TenantDBAdminURL = "postgres://localhost/postgres"
			},
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.TraceSampleRatio = 1.5 },
			wantErr: "OTEL_TRACES_SAMPLER_ARG",
		},
		{
			name:    "negative checkout ttl",
			mutate:  func(c *Config) { c.PendingCheckoutTTL = -time.Hour },
			wantErr: "PENDING_CHECKOUT_TTL",
		},
		{
			name:    "missing central domain",
			mutate:  func(c *Config) { c.CentralDomain = "" },
			wantErr: "CENTRAL_DOMAIN is required",
		},
		{
			name:    "bad currency",
			mutate:  func(c *Config) { c.Currency = "dollars" },
			wantErr: "CURRENCY",
		},
		{
			name:    "stripe without webhook secret",
			mutate:  func(c *Config) { c.StripeSecretKey = "sk_test_1" },
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
		{
			name: "missing admin secret outside production",
			mutate: func(c *Config) {
				c.Env = "staging"
				c.AdminSecret = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
