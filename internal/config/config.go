// Package config provides configuration loading using koanf.
// Precedence: environment (LEASEPOOL_ prefix) over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/felipealfah/leasepool/internal/domain"
)

// EnvPrefix is stripped from environment variable names. A double underscore
// separates nesting levels: LEASEPOOL_PROVIDER__BASE_URL -> provider.base_url.
const EnvPrefix = "LEASEPOOL_"

// Credential backends.
const (
	CredentialBackendFile           = "file"
	CredentialBackendSecretsManager = "secretsmanager"
)

// Lease store backends.
const (
	StoreBackendFile     = "file"
	StoreBackendDynamoDB = "dynamodb"
)

// Inbox backends.
const (
	InboxBackendMemory = "memory"
	InboxBackendRedis  = "redis"
)

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"pool.countries":       true,
	"pool.forced_services": true,
}

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	HTTP     HTTPConfig     `koanf:"http"`
	Provider ProviderConfig `koanf:"provider"`
	Retry    RetryConfig    `koanf:"retry"`
	Poll     PollConfig     `koanf:"poll"`
	Pool     PoolConfig     `koanf:"pool"`
	Inbox    InboxConfig    `koanf:"inbox"`

	Redis RedisConfig `koanf:"redis"`
	AWS   AWSConfig   `koanf:"aws"`

	OTEL OTELConfig `koanf:"otel"`
}

// HTTPConfig holds the webhook receiver listener configuration.
type HTTPConfig struct {
	Port int `koanf:"port"`
}

// ProviderConfig holds the number-rental provider endpoint and credential source.
type ProviderConfig struct {
	BaseURL    string           `koanf:"base_url"`
	Timeout    time.Duration    `koanf:"timeout"`
	Credential CredentialConfig `koanf:"credential"`
}

// CredentialConfig selects where the provider API key is read from.
type CredentialConfig struct {
	Backend  string `koanf:"backend"`   // "file" or "secretsmanager"
	Path     string `koanf:"path"`      // JSON or TOML document, file backend only
	Key      string `koanf:"key"`       // field holding the API key
	SecretID string `koanf:"secret_id"` // secretsmanager backend only
}

// RetryConfig holds the retry executor policy for provider calls.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Delay      time.Duration `koanf:"delay"`
}

// PollConfig holds the verification code polling policy.
type PollConfig struct {
	Attempts int           `koanf:"attempts"`
	Interval time.Duration `koanf:"interval"`
}

// PoolConfig holds lease pool and acquisition policy.
type PoolConfig struct {
	StoreBackend    string        `koanf:"store_backend"` // "file" or "dynamodb"
	StorePath       string        `koanf:"store_path"`
	StoreTable      string        `koanf:"store_table"`
	TieBreak        string        `koanf:"tie_break"`
	SavingsPerReuse float64       `koanf:"savings_per_reuse"`
	Countries       []string      `koanf:"countries"` // "code:name" entries in priority order
	Preferred       string        `koanf:"preferred"`
	ForcedServices  []string      `koanf:"forced_services"`
	ForcedAttempts  int           `koanf:"forced_attempts"`
	ForcedDelay     time.Duration `koanf:"forced_delay"`
	WebhookURL      string        `koanf:"webhook_url"`
}

// InboxConfig selects the store for codes pushed by the provider webhook.
type InboxConfig struct {
	Backend string        `koanf:"backend"` // "memory" or "redis"
	TTL     time.Duration `koanf:"ttl"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string        `koanf:"region"`
	Endpoint string        `koanf:"endpoint"` // LocalStack endpoint for development
	Timeout  time.Duration `koanf:"timeout"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

func defaults() *Config {
	table := domain.DefaultCountryTable()
	countries := make([]string, len(table.Order))
	for i, c := range table.Order {
		countries[i] = c.Code + ":" + c.Name
	}

	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		HTTP: HTTPConfig{Port: 5001},
		Provider: ProviderConfig{
			BaseURL: "https://api.sms-activate.org/stubs/handler_api.php",
			Timeout: domain.ProviderTimeout,
			Credential: CredentialConfig{
				Backend: CredentialBackendFile,
				Path:    "credentials/credentials.json",
				Key:     "SMS_ACTIVATE_API_KEY",
			},
		},
		Retry: RetryConfig{
			MaxRetries: domain.DefaultMaxRetries,
			Delay:      domain.DefaultRetryDelay,
		},
		Poll: PollConfig{
			Attempts: domain.DefaultPollAttempts,
			Interval: domain.DefaultPollInterval,
		},
		Pool: PoolConfig{
			StoreBackend:   StoreBackendFile,
			StorePath:      "credentials/phone_numbers.json",
			StoreTable:     "phone_leases",
			TieBreak:       string(domain.TieBreakLeastUsed),
			Countries:      countries,
			Preferred:      table.Preferred,
			ForcedServices: []string{"go"},
			ForcedAttempts: domain.DefaultForcedAttempts,
			ForcedDelay:    domain.DefaultForcedDelay,
		},
		Inbox: InboxConfig{
			Backend: InboxBackendMemory,
			TTL:     domain.InboxTTL,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region:  "us-east-1",
			Timeout: domain.AWSTimeout,
		},
		OTEL: OTELConfig{
			ServiceName: "leasepool",
		},
	}
}

// Load builds the configuration from compiled defaults overridden by
// LEASEPOOL_* environment variables, then validates it. Missing required keys
// are a startup failure.
func Load(_ context.Context) (*Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envKeyValue(key, value string) (string, any) {
	k := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if listKeys[k] {
		var items []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				items = append(items, v)
			}
		}
		return k, items
	}
	return k, value
}

func validate(cfg *Config) error {
	if !domain.IsValidTieBreak(domain.TieBreak(cfg.Pool.TieBreak)) {
		return fmt.Errorf("pool.tie_break %q: %w", cfg.Pool.TieBreak, domain.ErrInvalidInput)
	}
	if _, err := cfg.CountryTable(); err != nil {
		return fmt.Errorf("pool.countries: %w", err)
	}
	if cfg.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1: %w", domain.ErrInvalidInput)
	}
	if cfg.Poll.Attempts < 1 {
		return fmt.Errorf("poll.attempts must be at least 1: %w", domain.ErrInvalidInput)
	}

	switch cfg.Provider.Credential.Backend {
	case CredentialBackendFile:
		if cfg.Provider.Credential.Path == "" {
			return fmt.Errorf("%w: provider.credential.path", domain.ErrConfigRequired)
		}
	case CredentialBackendSecretsManager:
		if cfg.Provider.Credential.SecretID == "" {
			return fmt.Errorf("%w: provider.credential.secret_id", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("provider.credential.backend %q: %w", cfg.Provider.Credential.Backend, domain.ErrInvalidInput)
	}

	switch cfg.Pool.StoreBackend {
	case StoreBackendFile:
		if cfg.Pool.StorePath == "" {
			return fmt.Errorf("%w: pool.store_path", domain.ErrConfigRequired)
		}
	case StoreBackendDynamoDB:
		if cfg.Pool.StoreTable == "" {
			return fmt.Errorf("%w: pool.store_table", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("pool.store_backend %q: %w", cfg.Pool.StoreBackend, domain.ErrInvalidInput)
	}

	switch cfg.Inbox.Backend {
	case InboxBackendMemory:
	case InboxBackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("inbox.backend %q: %w", cfg.Inbox.Backend, domain.ErrInvalidInput)
	}

	return validateRequired(cfg)
}

// validateRequired checks keys that have no safe default outside local.
func validateRequired(cfg *Config) error {
	if cfg.IsLocal() {
		return nil
	}

	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("%w: provider.base_url", domain.ErrConfigRequired)
	}
	if cfg.IsProd() && cfg.Provider.Credential.Key == "" {
		return fmt.Errorf("%w: provider.credential.key", domain.ErrConfigRequired)
	}

	return nil
}

// CountryTable parses the configured priority list.
func (c *Config) CountryTable() (domain.CountryTable, error) {
	return domain.ParseCountryTable(c.Pool.Countries, c.Pool.Preferred)
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
