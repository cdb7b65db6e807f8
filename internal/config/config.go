package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// HealthWindowSize is the number of recent payment outcomes to consider for health calculation.
	HealthWindowSize = 50

	// HealthWindowDuration is the time window for health calculation.
	HealthWindowDurationMinutes = 10

	// DegradedThreshold is the health score below which a channel is considered degraded.
	DegradedThreshold = 0.5

	// FailingThreshold is the health score below which a channel is considered failing.
	FailingThreshold = 0.2

	// ServerPort is the default HTTP server port.
	ServerPort = ":8080"

	// SuccessDelay is how long a confirmed payment waits before the funnel advances.
	SuccessDelay = 2 * time.Second

	// SessionIdleTTL is how long an untouched funnel session is kept.
	SessionIdleTTL = 2 * time.Hour

	// FormCacheTTLMinutes is the lifetime of persisted checkout form fields.
	FormCacheTTLMinutes = 30

	// RateLimitWindow and RateLimitMaxRequests are the webhook limiter defaults.
	RateLimitWindow      = time.Minute
	RateLimitMaxRequests = 100
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Payment providers.
const (
	ProviderStripe = "stripe"
	ProviderMock   = "mock"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	FormCache FormCacheConfig `mapstructure:"formcache"`
	Session   SessionConfig   `mapstructure:"session"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
	Checkout  CheckoutConfig  `mapstructure:"checkout"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StripeConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	PublishableKey string `mapstructure:"publishable_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
}

type PaymentConfig struct {
	Provider string `mapstructure:"provider"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RateLimitConfig struct {
	Backend     string        `mapstructure:"backend"`
	Table       string        `mapstructure:"table"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

type FormCacheConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

type SessionConfig struct {
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type ConfirmConfig struct {
	SuccessDelay time.Duration `mapstructure:"success_delay"`
}

type CheckoutConfig struct {
	// DemoSubmit enables the simulated form submission route.
	DemoSubmit bool `mapstructure:"demo_submit"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PaymentEnabled reports whether payments can be taken. Stripe needs both
// keys; the mock provider is always available.
func (c *Config) PaymentEnabled() bool {
	if c.Payment.Provider == ProviderMock {
		return true
	}
	return c.Stripe.SecretKey != "" && c.Stripe.PublishableKey != ""
}

// DemoSubmitEnabled reports whether checkout forms may be submitted without a
// real card confirmation.
func (c *Config) DemoSubmitEnabled() bool {
	return c.Checkout.DemoSubmit || c.Payment.Provider == ProviderMock
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Payment.Provider {
	case ProviderStripe, ProviderMock:
	default:
		return fmt.Errorf("unknown payment provider %q", c.Payment.Provider)
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.RateLimit.Table == "" {
			return errors.New("ratelimit.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	switch c.FormCache.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.FormCache.Path == "" {
			return errors.New("formcache.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown form cache backend %q", c.FormCache.Backend)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return errors.New("ratelimit window and max_requests must be positive")
	}
	if c.FormCache.TTLMinutes <= 0 {
		return errors.New("formcache.ttl_minutes must be positive")
	}
	if c.Confirm.SuccessDelay < 0 {
		return errors.New("confirm.success_delay must not be negative")
	}
	return nil
}

// env bindings for keys that are conventionally set without a prefix.
var envBindings = map[string][]string{
	"server.port":            {"PORT"},
	"stripe.secret_key":      {"STRIPE_SECRET_KEY"},
	"stripe.publishable_key": {"STRIPE_PUBLISHABLE_KEY", "NEXT_PUBLIC_STRIPE_PUBLISHABLE_KEY"},
	"stripe.webhook_secret":  {"STRIPE_WEBHOOK_SECRET"},
	"database.url":           {"DATABASE_URL"},
	"log.level":              {"LOG_LEVEL"},
	"payment.provider":       {"PAYMENT_PROVIDER"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ServerPort)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.publishable_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("payment.provider", ProviderStripe)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.table", "")
	v.SetDefault("ratelimit.window", RateLimitWindow)
	v.SetDefault("ratelimit.max_requests", RateLimitMaxRequests)
	v.SetDefault("formcache.backend", BackendMemory)
	v.SetDefault("formcache.path", "")
	v.SetDefault("formcache.ttl_minutes", FormCacheTTLMinutes)
	v.SetDefault("session.idle_ttl", SessionIdleTTL)
	v.SetDefault("confirm.success_delay", SuccessDelay)
	v.SetDefault("checkout.demo_submit", false)
	v.SetDefault("catalog.path", "")
	v.SetDefault("tracing.enabled", false)
}

// Default returns the configuration with no file and no environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads defaults, then the optional YAML file at path, then the
// environment. FUNNEL_SECTION_KEY overrides any key; the well-known variables
// in envBindings are honored as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("FUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server.Port != "" && !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
