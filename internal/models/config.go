// Package models - Service configuration and operational settings.
// This file defines configuration structures for all service components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, guard, etc.)
// - Defaults that start a single-node service out of the box
// - Validation that catches misconfigurations before the guard is built
// - Per-action thresholds are always explicit; the guard never invents them
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
	StorageTypeRedis    = "redis"
)

// Failure policy constants
const (
	FailurePolicyOpen   = "open"
	FailurePolicyClosed = "closed"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Storage: Guard record persistence
// - Security: Admin authentication
// - Guard: Per-action thresholds, concurrency and failure policy
// - Cleanup: Background reclamation of expired records
// - Logging: Structured logging and output configuration
// - Metrics: Prometheus endpoint
// - Observability: Tracing and service identity
// - Events: Optional Kafka stream of block and reset events
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Guard         GuardConfig         `yaml:"guard" json:"guard"`
	Cleanup       CleanupConfig       `yaml:"cleanup" json:"cleanup"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Events        EventsConfig        `yaml:"events" json:"events"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type SecurityConfig struct {
	EnableAuth bool   `yaml:"enable_auth" json:"enable_auth"`
	AdminToken string `yaml:"admin_token" json:"-"`
	// AdminAction, when it names a configured action, guards the admin routes per client IP.
	AdminAction string `yaml:"admin_action" json:"admin_action"`
}

// GuardConfig holds everything the guard needs at construction.
type GuardConfig struct {
	Actions              map[string]ActionLimits `yaml:"actions" json:"actions"`
	FailurePolicy        string                  `yaml:"failure_policy" json:"failure_policy"`
	FailClosedRetryAfter time.Duration           `yaml:"fail_closed_retry_after" json:"fail_closed_retry_after"`
	MaxRetries           int                     `yaml:"max_retries" json:"max_retries"`
	RetryInitialInterval time.Duration           `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration           `yaml:"retry_max_interval" json:"retry_max_interval"`
	LockShards           int                     `yaml:"lock_shards" json:"lock_shards"`
	TrustProxyHeaders    bool                    `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

type CleanupConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	BatchLimit       int           `yaml:"batch_limit" json:"batch_limit"`
	RetentionGrace   time.Duration `yaml:"retention_grace" json:"retention_grace"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	BatchesPerSecond float64       `yaml:"batches_per_second" json:"batches_per_second"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

// EventsConfig configures the guard event stream. Identifiers are sent as
// fingerprints unless IncludeIdentifier is set.
type EventsConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Brokers           []string      `yaml:"brokers" json:"brokers"`
	Topic             string        `yaml:"topic" json:"topic"`
	IncludeIdentifier bool          `yaml:"include_identifier" json:"include_identifier"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with single-node defaults.
//
// Default Values Rationale:
// - Memory storage: no external dependencies for a first run
// - No configured actions: thresholds are a deployment decision
// - Fail-closed: the deploying system opts into availability over protection explicitly
// - Cleanup enabled: stale records are reclaimed without operator action
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         300,
			},
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				PoolSize:  10,
				KeyPrefix: "guard",
			},
		},
		Security: SecurityConfig{
			EnableAuth: false,
		},
		Guard: GuardConfig{
			Actions:              map[string]ActionLimits{},
			FailurePolicy:        FailurePolicyClosed,
			FailClosedRetryAfter: 30 * time.Second,
			MaxRetries:           5,
			RetryInitialInterval: 5 * time.Millisecond,
			RetryMaxInterval:     200 * time.Millisecond,
			LockShards:           256,
		},
		Cleanup: CleanupConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			BatchLimit:       500,
			RetentionGrace:   time.Hour,
			Timeout:          30 * time.Second,
			BatchesPerSecond: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "rate-limit-guard",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
		Events: EventsConfig{
			Enabled:      false,
			Topic:        "guard-events",
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Guard.Validate(); err != nil {
		return fmt.Errorf("invalid guard config: %w", err)
	}

	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("invalid cleanup config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("invalid events config: %w", err)
	}

	if c.Security.AdminAction != "" {
		if _, ok := c.Guard.Actions[c.Security.AdminAction]; !ok {
			return fmt.Errorf("admin action %q has no configured limits", c.Security.AdminAction)
		}
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	if sc.CORS.Enabled && len(sc.CORS.AllowedOrigins) == 0 {
		return errors.New("CORS allowed origins are required when CORS is enabled")
	}
	if sc.CORS.MaxAge < 0 {
		return errors.New("CORS max age cannot be negative")
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		// Memory storage requires no additional configuration
		return nil
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
		if stc.Database.MaxOpenConns < 0 || stc.Database.MaxIdleConns < 0 {
			return errors.New("connection limits cannot be negative")
		}
	case StorageTypeRedis:
		if stc.Redis.Addr == "" {
			return errors.New("Redis address is required when storage type is redis")
		}
		if stc.Redis.PoolSize < 0 {
			return errors.New("Redis pool size cannot be negative")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	if sec.EnableAuth && sec.AdminToken == "" {
		return errors.New("admin token is required when auth is enabled")
	}
	return nil
}

func (gc *GuardConfig) Validate() error {
	for name, limits := range gc.Actions {
		if strings.TrimSpace(name) == "" {
			return errors.New("action name cannot be empty")
		}
		if err := limits.Validate(); err != nil {
			return fmt.Errorf("action %q: %w", name, err)
		}
	}

	switch gc.FailurePolicy {
	case FailurePolicyOpen:
	case FailurePolicyClosed:
		if gc.FailClosedRetryAfter <= 0 {
			return errors.New("fail-closed retry after must be positive")
		}
	default:
		return fmt.Errorf("invalid failure policy: %q (must be %q or %q)", gc.FailurePolicy, FailurePolicyOpen, FailurePolicyClosed)
	}

	if gc.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}

	if gc.RetryInitialInterval <= 0 || gc.RetryMaxInterval < gc.RetryInitialInterval {
		return errors.New("retry intervals must be positive and max must not be below initial")
	}

	if gc.LockShards < 1 {
		return errors.New("lock shards must be at least 1")
	}

	return nil
}

func (cc *CleanupConfig) Validate() error {
	if cc.RetentionGrace < 0 {
		return errors.New("retention grace cannot be negative")
	}

	if !cc.Enabled {
		return nil
	}

	if cc.Interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}

	if cc.BatchLimit < 1 {
		return errors.New("cleanup batch limit must be at least 1")
	}

	if cc.Timeout <= 0 {
		return errors.New("cleanup timeout must be positive")
	}

	if cc.BatchesPerSecond <= 0 {
		return errors.New("cleanup batches per second must be positive")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}

func (ec *EventsConfig) Validate() error {
	if !ec.Enabled {
		return nil
	}

	if len(ec.Brokers) == 0 {
		return errors.New("at least one broker is required when events are enabled")
	}

	if ec.Topic == "" {
		return errors.New("events topic cannot be empty")
	}

	if ec.BatchTimeout < 0 {
		return errors.New("events batch timeout cannot be negative")
	}

	return nil
}
