package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir runs the test from an empty directory so no stray .env or config file is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	chdir(t)
	t.Setenv("GOBILLING_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("GOBILLING_STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("GOBILLING_CHECKOUT_SITE_URL", "https://app.example.com")
	t.Setenv("GOBILLING_AUTH_JWT_SECRET", "jwt-secret")
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Stripe.SignatureTolerance)
	assert.Equal(t, 5, cfg.Stripe.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.Stripe.BreakerReset)
	assert.Equal(t, 10*time.Second, cfg.Webhook.ProcessingTimeout)
	assert.Equal(t, int64(256*1024), cfg.Webhook.MaxBodyBytes)
	assert.Zero(t, cfg.Webhook.RateLimitRequests, "webhook rate limiting is off by default")
	assert.Equal(t, "event_time", cfg.Webhook.Ordering)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 90*24*time.Hour, cfg.Storage.EventRetention)
	assert.Equal(t, "gobilling:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, "/account", cfg.Checkout.PortalReturnPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Checkout.AllowedPrices)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("GOBILLING_SERVER_ADDR", ":9090")
	t.Setenv("GOBILLING_WEBHOOK_PROCESSING_TIMEOUT", "3s")
	t.Setenv("GOBILLING_STORAGE_DRIVER", " Postgres ")
	t.Setenv("GOBILLING_STORAGE_POSTGRES_DSN", "postgres://localhost/billing")
	t.Setenv("GOBILLING_CHECKOUT_ALLOWED_PRICES", "price_a, price_b,")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Webhook.ProcessingTimeout)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/billing", cfg.Storage.Postgres.DSN)
	assert.Equal(t, []string{"price_a", "price_b"}, cfg.Checkout.AllowedPrices)
}

func TestLoad_ConfigFileAndDotEnv(t *testing.T) {
	dir := chdir(t)
	file := filepath.Join(dir, "billing.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: ":7070"
storage:
  driver: redis
  redis:
    addr: "redis:6379"
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOBILLING_STORAGE_REDIS_DB=3\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("GOBILLING_STORAGE_REDIS_DB") })

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	chdir(t)
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())

	cfg.Stripe.WebhookSecret = ""
	cfg.Auth.JWTSecret = ""
	cfg.Webhook.Ordering = "random"
	cfg.Stripe.BreakerReset = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stripe.webhook_secret")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
	assert.Contains(t, err.Error(), "webhook.ordering")
	assert.Contains(t, err.Error(), "stripe.breaker_reset")
}

func TestValidateStorage(t *testing.T) {
	tests := []struct {
		name    string
		storage StorageConfig
		wantErr bool
	}{
		{"memory", StorageConfig{Driver: DriverMemory}, false},
		{"postgres without dsn", StorageConfig{Driver: DriverPostgres}, true},
		{"postgres", StorageConfig{Driver: DriverPostgres, Postgres: PostgresConfig{DSN: "postgres://x"}}, false},
		{"redis without addr", StorageConfig{Driver: DriverRedis}, true},
		{"firestore without project", StorageConfig{Driver: DriverFirestore}, true},
		{"firestore", StorageConfig{Driver: DriverFirestore, Firestore: FirestoreConfig{ProjectID: "p"}}, false},
		{"negative retention", StorageConfig{Driver: DriverRedis, Redis: RedisConfig{Addr: "x"}, EventRetention: -time.Hour}, true},
		{"unknown", StorageConfig{Driver: "sqlite"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Storage: tt.storage}
			err := cfg.ValidateStorage()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"billingd"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
}
