package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.InDelta(t, 0.8, cfg.Pricing.ReadyThreshold, 0.001)
	assert.Equal(t, 15, cfg.Pricing.TimeoutSecs)
	assert.Equal(t, 2, cfg.Pricing.MaxAttempts)
	assert.InDelta(t, 5.0, cfg.Pricing.RatePerSec, 0.001)
	assert.Equal(t, "log", cfg.Delivery.Mode)
	assert.Equal(t, 15, cfg.Delivery.TimeoutSecs)
	assert.Equal(t, "exports", cfg.Export.Dir)
	assert.Equal(t, "fr-FR", cfg.Export.Locale)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: quotes.db
log:
  level: debug
  format: console
server:
  port: 9090
pricing:
  ready_threshold: 0.9
delivery:
  mode: webhook
  webhook_url: https://hooks.example.com/mail
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "quotes.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Pricing.ReadyThreshold, 0.001)
	assert.Equal(t, "webhook", cfg.Delivery.Mode)
	// Defaults still apply for unset values
	assert.Equal(t, 15, cfg.Pricing.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("QUOTE_STORE_DRIVER", "postgres")
	t.Setenv("QUOTE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("QUOTE_AUTH_ISSUER=dotenv-issuer\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("QUOTE_AUTH_ISSUER") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dotenv-issuer", cfg.Auth.Issuer)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("QUOTE_SERVER_PORT", "3000")
	t.Setenv("QUOTE_PRICING_TIMEOUT_SECS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pricing.TimeoutSecs)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "quotes.db"
	cfg.Server.Port = 8080
	cfg.Auth.JWTSecret = "secret"
	cfg.Pricing.ReadyThreshold = 0.8
	cfg.Delivery.Mode = "log"
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Auth.JWTSecret = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "auth.jwt_secret is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateCLI_NoSecretNeeded(t *testing.T) {
	cfg := validDefaults()
	cfg.Auth.JWTSecret = ""
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateDelivery(t *testing.T) {
	cfg := validDefaults()
	cfg.Delivery.Mode = "webhook"
	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery.webhook_url is required")

	cfg.Delivery.WebhookURL = "https://hooks.example.com"
	assert.NoError(t, cfg.Validate("cli"))

	cfg.Delivery.Mode = "carrier-pigeon"
	err = cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery.mode")
}

func TestValidateThreshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Pricing.ReadyThreshold = 1.5
	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ready_threshold")
}

func TestValidateMigrate_OnlyStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Delivery.Mode = ""
	assert.NoError(t, cfg.Validate("migrate"))

	cfg.Store.Driver = "mysql"
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
