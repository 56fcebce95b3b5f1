package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	return Load(dir)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/ledger")

	cfg, err := load(t, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"USD", "EUR", "GBP", "NGN", "GHS", "KES"}, cfg.Currencies())
	assert.Equal(t, 3*time.Second, cfg.IdempotencyWaitTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.IdempotencyPollInterval)
	assert.Equal(t, 720*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, "@every 1m", cfg.ReconcileSchedule)
	assert.Equal(t, 5*time.Minute, cfg.ReconcilePendingTimeout)
	assert.Equal(t, 100, cfg.ReconcileBatchSize)
	assert.Equal(t, "ledgerops:rate_limit", cfg.RateLimitPrefix)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
	assert.Equal(t, "ledger_events", cfg.EventsExchange)
	assert.Equal(t, "GH", cfg.PhoneDefaultRegion)
	assert.Equal(t, EnvDevelopment, cfg.Env)
}

func TestLoadRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("DB_SOURCE", "")

	_, err := load(t, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")
}

func TestLoadMemoryBackendFromEnv(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Memory")
	t.Setenv("SUPPORTED_CURRENCIES", " usd, ngn ,")
	t.Setenv("IDEMPOTENCY_WAIT_TIMEOUT", "750ms")
	t.Setenv("RATE_LIMIT_PREFIX", "custom:")

	cfg, err := load(t, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, []string{"USD", "NGN"}, cfg.Currencies())
	assert.Equal(t, 750*time.Millisecond, cfg.IdempotencyWaitTimeout)
	assert.Equal(t, "custom", cfg.RateLimitPrefix)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "STORAGE_BACKEND=memory\nSERVER_PORT=9191\nJWT_SECRET=s3cret\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	cfg, err := load(t, dir)
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "mongo")

	_, err := load(t, t.TempDir())
	require.Error(t, err)
}

func TestLoadRequiresJWTSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("JWT_SECRET", "")

	_, err := load(t, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := load(t, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
}

func TestLoadRejectsUnknownPhoneRegion(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("PHONE_DEFAULT_REGION", "zz")

	_, err := load(t, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PHONE_DEFAULT_REGION")
}
