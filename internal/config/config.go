// Package config loads billingd settings from an optional config file, a .env
// file and GOBILLING_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "GOBILLING"

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Checkout CheckoutConfig `mapstructure:"checkout"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StripeConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	MaxNetworkRetries  int64         `mapstructure:"max_network_retries"`
	BreakerFailures    int           `mapstructure:"breaker_failures"` // 0 disables the fetch breaker
	BreakerReset       time.Duration `mapstructure:"breaker_reset"`
}

type CheckoutConfig struct {
	SiteURL          string   `mapstructure:"site_url"`
	SuccessPath      string   `mapstructure:"success_path"`
	CancelPath       string   `mapstructure:"cancel_path"`
	PortalReturnPath string   `mapstructure:"portal_return_path"`
	AllowedPrices    []string `mapstructure:"allowed_prices"`
	AllowMultiple    bool     `mapstructure:"allow_multiple"`
}

type WebhookConfig struct {
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	Ordering          string        `mapstructure:"ordering"`
}

type StorageConfig struct {
	Driver          string          `mapstructure:"driver"`
	EventRetention  time.Duration   `mapstructure:"event_retention"`
	CleanupInterval time.Duration   `mapstructure:"cleanup_interval"`
	Postgres        PostgresConfig  `mapstructure:"postgres"`
	Redis           RedisConfig     `mapstructure:"redis"`
	Firestore       FirestoreConfig `mapstructure:"firestore"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type FirestoreConfig struct {
	ProjectID               string `mapstructure:"project_id"`
	SubscriptionsCollection string `mapstructure:"subscriptions_collection"`
	EventsCollection        string `mapstructure:"events_collection"`
	TombstonesCollection    string `mapstructure:"tombstones_collection"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration. configFile may be empty, in which case
// config.{yaml,json,toml} is looked up in ./configs and the working directory
// and skipped when absent.
func Load(configFile string) (*Config, error) {
	// A missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Checkout.AllowedPrices = compact(cfg.Checkout.AllowedPrices)
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	// Stripe defaults (secrets have no default)
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("stripe.api_base_url", "")
	v.SetDefault("stripe.max_network_retries", 2)
	v.SetDefault("stripe.breaker_failures", 5)
	v.SetDefault("stripe.breaker_reset", 30*time.Second)

	// Checkout defaults
	v.SetDefault("checkout.site_url", "")
	v.SetDefault("checkout.success_path", "")
	v.SetDefault("checkout.cancel_path", "")
	v.SetDefault("checkout.portal_return_path", "/account")
	v.SetDefault("checkout.allowed_prices", []string{})
	v.SetDefault("checkout.allow_multiple", false)

	// Webhook defaults
	v.SetDefault("webhook.processing_timeout", 10*time.Second)
	v.SetDefault("webhook.max_body_bytes", 256*1024)
	v.SetDefault("webhook.rate_limit_requests", 0)
	v.SetDefault("webhook.rate_limit_window", time.Minute)
	v.SetDefault("webhook.ordering", "event_time")

	// Storage defaults
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.event_retention", 90*24*time.Hour)
	v.SetDefault("storage.cleanup_interval", time.Hour)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.postgres.auto_migrate", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "gobilling:")
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.firestore.subscriptions_collection", "billing_subscriptions")
	v.SetDefault("storage.firestore.events_collection", "billing_processed_events")
	v.SetDefault("storage.firestore.tombstones_collection", "billing_subscription_tombstones")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")

	// Logger defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "gobilling")
}

// Validate reports every setting the webhook server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Stripe.APIKey) == "" {
		errs = append(errs, fmt.Errorf("stripe.api_key is required"))
	}
	if strings.TrimSpace(c.Stripe.WebhookSecret) == "" {
		errs = append(errs, fmt.Errorf("stripe.webhook_secret is required"))
	}
	if strings.TrimSpace(c.Checkout.SiteURL) == "" {
		errs = append(errs, fmt.Errorf("checkout.site_url is required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required"))
	}
	if c.Webhook.ProcessingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("webhook.processing_timeout must be positive"))
	}
	if c.Stripe.BreakerFailures > 0 && c.Stripe.BreakerReset <= 0 {
		errs = append(errs, fmt.Errorf("stripe.breaker_reset must be positive when the breaker is enabled"))
	}
	if _, err := billing.ParseOrderingPolicy(c.Webhook.Ordering); err != nil {
		errs = append(errs, fmt.Errorf("webhook.ordering: %w", err))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := c.ValidateStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section. Maintenance commands use
// it so they can run without Stripe credentials.
func (c *Config) ValidateStorage() error {
	switch c.Storage.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want memory, postgres, redis or firestore)", c.Storage.Driver)
	}
	if c.Storage.EventRetention < 0 {
		return fmt.Errorf("storage.event_retention must not be negative")
	}
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
