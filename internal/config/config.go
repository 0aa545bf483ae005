// Package config provides application configuration loading and management.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port         string `mapstructure:"PORT"`
	Env          string `mapstructure:"APP_ENV"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	FeatureFlags string `mapstructure:"FEATURE_FLAGS"`

	DBDriver                 string `mapstructure:"DB_DRIVER"`
	DBHost                   string `mapstructure:"DB_HOST"`
	DBPort                   string `mapstructure:"DB_PORT"`
	DBUser                   string `mapstructure:"DB_USER"`
	DBPassword               string `mapstructure:"DB_PASSWORD"`
	DBName                   string `mapstructure:"DB_NAME"`
	DBSSLMode                string `mapstructure:"DB_SSLMODE"`
	DBMaxOpenConns           int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns           int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinutes int    `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`

	RedisURL string `mapstructure:"REDIS_URL"`

	SafetyRateLimitMaxMessages   int    `mapstructure:"SAFETY_RATE_LIMIT_MAX_MESSAGES"`
	SafetyRateLimitWindowSeconds int    `mapstructure:"SAFETY_RATE_LIMIT_WINDOW_SECONDS"`
	SafetyStrikeThreshold        int    `mapstructure:"SAFETY_STRIKE_THRESHOLD"`
	SafetyKeywordCatalogPath     string `mapstructure:"SAFETY_KEYWORD_CATALOG_PATH"`
	ModerationPromptTTLMinutes   int    `mapstructure:"MODERATION_PROMPT_TTL_MINUTES"`
	WebhookRateLimitPerMinute    int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	CarrierBaseURL               string `mapstructure:"CARRIER_BASE_URL"`
	CarrierAccountSID            string `mapstructure:"CARRIER_ACCOUNT_SID"`
	CarrierAuthToken             string `mapstructure:"CARRIER_AUTH_TOKEN"`
	CarrierTimeoutSeconds        int    `mapstructure:"CARRIER_TIMEOUT_SECONDS"`
	CarrierStatusCallbackURL     string `mapstructure:"CARRIER_STATUS_CALLBACK_URL"`
	CarrierValidateSignatures    bool   `mapstructure:"CARRIER_VALIDATE_SIGNATURES"`
	DeliveryCorrelationSeed      string `mapstructure:"DELIVERY_CORRELATION_SEED"`
	DeliveryDeniedPurposes       string `mapstructure:"DELIVERY_DENIED_PURPOSES"`
	DeliveryDeniedKeyPrefixes    string `mapstructure:"DELIVERY_DENIED_KEY_PREFIXES"`
	DeliveryDefaultSenderPool    string `mapstructure:"DELIVERY_DEFAULT_SENDER_POOL"`
	PayloadEncryptionKey         string `mapstructure:"PAYLOAD_ENCRYPTION_KEY"`
	WorkerBatchSize              int    `mapstructure:"WORKER_BATCH_SIZE"`
	WorkerLeaseSeconds           int    `mapstructure:"WORKER_LEASE_SECONDS"`
	WorkerConcurrency            int    `mapstructure:"WORKER_CONCURRENCY"`
	WorkerPollIntervalSeconds    int    `mapstructure:"WORKER_POLL_INTERVAL_SECONDS"`
	ReconcileIntervalSeconds     int    `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	ReconcileStaleMinutes        int    `mapstructure:"RECONCILE_STALE_MINUTES"`
	ReconcileLimit               int    `mapstructure:"RECONCILE_LIMIT"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint        string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional; env vars alone are a valid configuration.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) || isProductionEnv(env) {
				return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
			}
		} else {
			log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
		}
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.DBSSLMode = strings.ToLower(strings.TrimSpace(config.DBSSLMode))
	config.DBDriver = strings.ToLower(strings.TrimSpace(config.DBDriver))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("FEATURE_FLAGS", "")

	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "safeline")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 5)

	viper.SetDefault("REDIS_URL", "localhost:6379")

	viper.SetDefault("SAFETY_RATE_LIMIT_MAX_MESSAGES", 10)
	viper.SetDefault("SAFETY_RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("SAFETY_STRIKE_THRESHOLD", 3)
	viper.SetDefault("SAFETY_KEYWORD_CATALOG_PATH", "")
	viper.SetDefault("MODERATION_PROMPT_TTL_MINUTES", 24*60)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 60)

	viper.SetDefault("CARRIER_BASE_URL", "https://api.twilio.com")
	viper.SetDefault("CARRIER_ACCOUNT_SID", "")
	viper.SetDefault("CARRIER_AUTH_TOKEN", "")
	viper.SetDefault("CARRIER_TIMEOUT_SECONDS", 10)
	viper.SetDefault("CARRIER_STATUS_CALLBACK_URL", "")
	viper.SetDefault("CARRIER_VALIDATE_SIGNATURES", false)

	viper.SetDefault("DELIVERY_CORRELATION_SEED", "safeline-delivery")
	viper.SetDefault("DELIVERY_DENIED_PURPOSES", "legacy_broadcast")
	viper.SetDefault("DELIVERY_DENIED_KEY_PREFIXES", "legacy:")
	viper.SetDefault("DELIVERY_DEFAULT_SENDER_POOL", "")

	viper.SetDefault("PAYLOAD_ENCRYPTION_KEY", "")
	viper.SetDefault("WORKER_BATCH_SIZE", 25)
	viper.SetDefault("WORKER_LEASE_SECONDS", 120)
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("RECONCILE_INTERVAL_SECONDS", 300)
	viper.SetDefault("RECONCILE_STALE_MINUTES", 15)
	viper.SetDefault("RECONCILE_LIMIT", 100)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	positives := []struct {
		name  string
		value int
	}{
		{"SAFETY_RATE_LIMIT_MAX_MESSAGES", c.SafetyRateLimitMaxMessages},
		{"SAFETY_RATE_LIMIT_WINDOW_SECONDS", c.SafetyRateLimitWindowSeconds},
		{"SAFETY_STRIKE_THRESHOLD", c.SafetyStrikeThreshold},
		{"MODERATION_PROMPT_TTL_MINUTES", c.ModerationPromptTTLMinutes},
		{"CARRIER_TIMEOUT_SECONDS", c.CarrierTimeoutSeconds},
		{"WORKER_BATCH_SIZE", c.WorkerBatchSize},
		{"WORKER_LEASE_SECONDS", c.WorkerLeaseSeconds},
		{"WORKER_CONCURRENCY", c.WorkerConcurrency},
		{"WORKER_POLL_INTERVAL_SECONDS", c.WorkerPollIntervalSeconds},
		{"RECONCILE_INTERVAL_SECONDS", c.ReconcileIntervalSeconds},
		{"RECONCILE_STALE_MINUTES", c.ReconcileStaleMinutes},
		{"RECONCILE_LIMIT", c.ReconcileLimit},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be greater than zero", p.name)
		}
	}

	if c.PayloadEncryptionKey != "" {
		if _, err := c.PayloadKey(); err != nil {
			return err
		}
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			return errors.New("DB_SSLMODE must enable SSL in production")
		}
		if c.PayloadEncryptionKey == "" {
			return errors.New("PAYLOAD_ENCRYPTION_KEY is required in production")
		}
		if c.CarrierAccountSID == "" || c.CarrierAuthToken == "" {
			return errors.New("CARRIER_ACCOUNT_SID and CARRIER_AUTH_TOKEN are required in production")
		}
		if !c.CarrierValidateSignatures {
			log.Println("WARNING: CARRIER_VALIDATE_SIGNATURES is disabled in production. Inbound webhooks are unauthenticated.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// IsProduction reports whether the config targets a production environment.
func (c *Config) IsProduction() bool {
	return isProductionEnv(c.Env)
}

func isProductionEnv(env string) bool {
	e := strings.ToLower(strings.TrimSpace(env))
	return e == "production" || e == "prod"
}

// PayloadKey decodes PAYLOAD_ENCRYPTION_KEY into a 32-byte key.
func (c *Config) PayloadKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.PayloadEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("PAYLOAD_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("PAYLOAD_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DeniedPurposes returns the configured legacy purpose deny-list.
func (c *Config) DeniedPurposes() []string {
	return splitList(c.DeliveryDeniedPurposes)
}

// DeniedKeyPrefixes returns the configured legacy idempotency-key prefix deny-list.
func (c *Config) DeniedKeyPrefixes() []string {
	return splitList(c.DeliveryDeniedKeyPrefixes)
}

// RateLimitWindow returns the safety rate-limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.SafetyRateLimitWindowSeconds) * time.Second
}

// CarrierTimeout returns the fixed per-call carrier timeout.
func (c *Config) CarrierTimeout() time.Duration {
	return time.Duration(c.CarrierTimeoutSeconds) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
