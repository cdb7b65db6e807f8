package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ServerPort, cfg.Server.Port)
	assert.Equal(t, ProviderStripe, cfg.Payment.Provider)
	assert.Equal(t, BackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30, cfg.FormCache.TTLMinutes)
	assert.Equal(t, 2*time.Second, cfg.Confirm.SuccessDelay)
	assert.Equal(t, SessionIdleTTL, cfg.Session.IdleTTL)
	assert.False(t, cfg.PaymentEnabled())
	assert.False(t, cfg.DemoSubmitEnabled())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
payment:
  provider: mock
ratelimit:
  window: 30s
  max_requests: 5
confirm:
  success_delay: 500ms
formcache:
  backend: sqlite
  path: /tmp/forms.db
tracing:
  enabled: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, ProviderMock, cfg.Payment.Provider)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 500*time.Millisecond, cfg.Confirm.SuccessDelay)
	assert.Equal(t, BackendSQLite, cfg.FormCache.Backend)
	assert.True(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.PaymentEnabled())
	assert.True(t, cfg.DemoSubmitEnabled())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_PUBLISHABLE_KEY", "pk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("DATABASE_URL", "postgres://localhost/funnel")
	t.Setenv("FUNNEL_RATELIMIT_MAX_REQUESTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk_test_1", cfg.Stripe.SecretKey)
	assert.Equal(t, "pk_test_1", cfg.Stripe.PublishableKey)
	assert.Equal(t, "whsec_1", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "postgres://localhost/funnel", cfg.Database.URL)
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests)
	assert.True(t, cfg.PaymentEnabled())
}

func TestPaymentEnabled_NeedsBothKeys(t *testing.T) {
	cfg := Default()
	cfg.Stripe.SecretKey = "sk_test_1"
	assert.False(t, cfg.PaymentEnabled())

	cfg.Stripe.PublishableKey = "pk_test_1"
	assert.True(t, cfg.PaymentEnabled())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Payment.Provider = "paypal" }},
		{"dynamodb without table", func(c *Config) { c.RateLimit.Backend = BackendDynamoDB }},
		{"unknown rate limit backend", func(c *Config) { c.RateLimit.Backend = "redis" }},
		{"sqlite without path", func(c *Config) { c.FormCache.Backend = BackendSQLite }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero ttl", func(c *Config) { c.FormCache.TTLMinutes = 0 }},
		{"negative delay", func(c *Config) { c.Confirm.SuccessDelay = -time.Second }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
