// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLog      = "log"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token validation and the user directory.
type IdentityConfig struct {
	Issuer     string          `yaml:"issuer"`
	Audience   string          `yaml:"audience"`
	SecretEnv  string          `yaml:"secret_env"`
	PolicyFile string          `yaml:"policy_file"`
	Directory  DirectoryConfig `yaml:"directory"`
}

// Secret returns the HMAC signing secret read from SecretEnv.
func (c IdentityConfig) Secret() []byte {
	return []byte(os.Getenv(c.SecretEnv))
}

// DirectoryConfig describes where user records come from.
type DirectoryConfig struct {
	Driver    string        `yaml:"driver"`
	UsersFile string        `yaml:"users_file"`
	DSNEnv    string        `yaml:"dsn_env"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefinitionsConfig describes where to find template YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	Persist     bool     `yaml:"persist"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store            WorkflowStoreConfig `yaml:"store"`
	MaxCascadeHops   int                 `yaml:"max_cascade_hops"`
	RecoveryInterval time.Duration       `yaml:"recovery_interval"`
	RecoverOnStart   bool                `yaml:"recover_on_start"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the connection string read from DSNEnv.
func (c WorkflowStoreConfig) DSN() string {
	return os.Getenv(c.DSNEnv)
}

// NotificationsConfig describes where committed log entries are published.
type NotificationsConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`

	// BreakerFailures consecutive delivery failures stop deliveries for
	// BreakerCooldown.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`

	// SensitiveFields are instance data keys masked in debug request logs,
	// in addition to the built-in credential names.
	SensitiveFields []string `yaml:"sensitive_fields"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`

	// AlwaysSampleRecovery keeps every recovery span regardless of the
	// sampling rate.
	AlwaysSampleRecovery bool `yaml:"always_sample_recovery"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv: "OFFICEFLOW_JWT_SECRET",
			Directory: DirectoryConfig{
				Driver:   DriverMemory,
				DSNEnv:   "OFFICEFLOW_DATABASE_URL",
				CacheTTL: 5 * time.Minute,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/templates"},
		},
		Workflow: WorkflowConfig{
			Store: WorkflowStoreConfig{
				Driver:          DriverMemory,
				DSNEnv:          "OFFICEFLOW_DATABASE_URL",
				MaxConns:        25,
				ConnMaxLifetime: 5 * time.Minute,
			},
			MaxCascadeHops:   64,
			RecoveryInterval: 5 * time.Minute,
			RecoverOnStart:   true,
		},
		Notifications: NotificationsConfig{
			Driver:  DriverLog,
			AddrEnv: "OFFICEFLOW_REDIS_ADDR",
			Stream:  "officeflow:events",
			MaxLen:  100000,

			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "OFFICEFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:             "otlp",
				SamplingRate:         0.1,
				AlwaysSampleRecovery: true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	if !oneOf(c.Identity.Directory.Driver, DriverMemory, DriverPostgres) {
		errs = append(errs, "identity.directory.driver must be memory or postgres")
	}
	if !oneOf(c.Workflow.Store.Driver, DriverMemory, DriverPostgres) {
		errs = append(errs, "workflow.store.driver must be memory or postgres")
	}
	if c.Workflow.Store.Driver == DriverPostgres && c.Workflow.Store.DSNEnv == "" {
		errs = append(errs, "workflow.store.dsn_env is required for the postgres driver")
	}
	if c.Workflow.MaxCascadeHops < 1 {
		errs = append(errs, "workflow.max_cascade_hops must be at least 1")
	}
	if !oneOf(c.Notifications.Driver, DriverLog, DriverRedis) {
		errs = append(errs, "notifications.driver must be log or redis")
	}
	if c.Notifications.Driver == DriverRedis && c.Notifications.Stream == "" {
		errs = append(errs, "notifications.stream is required for the redis driver")
	}
	if c.Idempotency.Enabled && !oneOf(c.Idempotency.Store.Driver, DriverMemory, DriverRedis) {
		errs = append(errs, "idempotency.store.driver must be memory or redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads OFFICEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OFFICEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OFFICEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("OFFICEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("OFFICEFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("OFFICEFLOW_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("OFFICEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
