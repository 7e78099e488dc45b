package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env      string         `mapstructure:"env"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// RedisConfig holds Redis configuration. An empty address disables the cache.
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// StorageConfig holds object storage configuration for the webhook archive.
// An empty bucket disables archiving.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Tolerance     time.Duration `mapstructure:"tolerance"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around Stripe API calls.
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// AuthConfig holds service-to-service authentication configuration.
type AuthConfig struct {
	ServiceTokenSecret string        `mapstructure:"service_token_secret"`
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	TokenExpiry        time.Duration `mapstructure:"token_expiry"`
}

// BillingConfig holds usage accounting configuration.
type BillingConfig struct {
	PeriodGrace       time.Duration `mapstructure:"period_grace"`
	WebhookStaleAfter time.Duration `mapstructure:"webhook_stale_after"`
	Plans             []PlanConfig  `mapstructure:"plans"`
}

// PlanConfig is one row of the price table. Empty Plans falls back to the
// built-in table.
type PlanConfig struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Category    string   `mapstructure:"category"`
	TokenLimit  int64    `mapstructure:"token_limit"`
	ReportLimit int      `mapstructure:"report_limit"`
	PriceIDs    []string `mapstructure:"price_ids"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "" || c.Env == "dev" || c.Env == "development"
}

// Validate checks settings that must be present before serving traffic.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	var errs []error
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if c.Auth.ServiceTokenSecret == "" {
		errs = append(errs, errors.New("auth.service_token_secret is required"))
	}
	if c.Billing.PeriodGrace < 0 {
		errs = append(errs, errors.New("billing.period_grace must not be negative"))
	}
	return errors.Join(errs...)
}

// Load loads configuration from file and environment. An explicit path
// overrides the search paths.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sparlo")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("SPARLO")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets only ever come from the environment in deployed setups.
	if password := os.Getenv("SPARLO_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("SPARLO_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("SPARLO_STRIPE_SECRET_KEY"); key != "" {
		cfg.Stripe.SecretKey = key
	}
	if secret := os.Getenv("SPARLO_STRIPE_WEBHOOK_SECRET"); secret != "" {
		cfg.Stripe.WebhookSecret = secret
	}
	if secret := os.Getenv("SPARLO_SERVICE_TOKEN_SECRET"); secret != "" {
		cfg.Auth.ServiceTokenSecret = secret
	}
	if key := os.Getenv("SPARLO_STORAGE_SECRET_KEY"); key != "" {
		cfg.Storage.SecretAccessKey = key
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "sparlo_usage")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.status_ttl", 30*time.Second)

	// Storage defaults
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.prefix", "webhooks/")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Stripe defaults
	v.SetDefault("stripe.tolerance", 5*time.Minute)
	v.SetDefault("stripe.breaker.max_requests", 1)
	v.SetDefault("stripe.breaker.interval", time.Minute)
	v.SetDefault("stripe.breaker.timeout", 30*time.Second)
	v.SetDefault("stripe.breaker.failure_threshold", 5)

	// Auth defaults
	v.SetDefault("auth.issuer", "sparlo")
	v.SetDefault("auth.audience", "usage-gate")
	v.SetDefault("auth.token_expiry", 24*time.Hour)

	// Billing defaults
	v.SetDefault("billing.period_grace", 72*time.Hour)
	v.SetDefault("billing.webhook_stale_after", 5*time.Minute)

	// Metrics defaults
	v.SetDefault("metrics.namespace", "sparlo_usage")
}
