// Package config loads the guard service configuration. Defaults come from
// models.NewDefaultConfig, then an optional YAML file, then GUARD_*
// environment variables; the merged result is validated once at the end.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"rlguard/internal/models"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix shared by every environment override.
const EnvPrefix = "GUARD_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// knownSections are the top-level keys of the configuration file.
var knownSections = map[string]bool{
	"server":        true,
	"storage":       true,
	"security":      true,
	"guard":         true,
	"cleanup":       true,
	"logging":       true,
	"metrics":       true,
	"observability": true,
}

// warnUnknownSections logs top-level keys the decoder will ignore, which
// usually means a typo in the file.
func warnUnknownSections(data []byte) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return
	}
	for key := range top {
		if !knownSections[key] {
			slog.Warn("Ignoring unknown config section", "config_key", key)
		}
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	warnUnknownSections(data)

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies GUARD_* overrides. Malformed values are
// rejected rather than silently ignored.
func loadFromEnvironment(config *models.Config) error {
	e := &envReader{}

	// Server configuration
	e.setInt("PORT", &config.Server.Port)
	e.setString("HOST", &config.Server.Host)
	e.setDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	e.setDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	e.setDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	e.setBool("TLS_ENABLED", &config.Server.TLSEnabled)
	e.setString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	e.setString("TLS_KEY_FILE", &config.Server.TLSKeyFile)
	e.setBool("CORS_ENABLED", &config.Server.CORS.Enabled)
	e.setList("CORS_ALLOWED_ORIGINS", &config.Server.CORS.AllowedOrigins)

	// Storage configuration
	e.setString("STORAGE_TYPE", &config.Storage.Type)
	e.setString("DATABASE_DSN", &config.Storage.Database.DSN)
	e.setInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	e.setInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)
	e.setString("REDIS_ADDR", &config.Storage.Redis.Addr)
	e.setString("REDIS_PASSWORD", &config.Storage.Redis.Password)
	e.setInt("REDIS_DB", &config.Storage.Redis.DB)
	e.setInt("REDIS_POOL_SIZE", &config.Storage.Redis.PoolSize)
	e.setString("REDIS_KEY_PREFIX", &config.Storage.Redis.KeyPrefix)

	// Security configuration
	e.setBool("ENABLE_AUTH", &config.Security.EnableAuth)
	e.setString("ADMIN_TOKEN", &config.Security.AdminToken)
	e.setString("ADMIN_ACTION", &config.Security.AdminAction)

	// Guard configuration
	if raw, ok := lookup("ACTIONS"); ok {
		actions, err := ParseActions(raw)
		if err != nil {
			e.fail("ACTIONS", err)
		} else {
			if config.Guard.Actions == nil {
				config.Guard.Actions = make(map[string]models.ActionLimits)
			}
			for name, limits := range actions {
				config.Guard.Actions[name] = limits
			}
		}
	}
	e.setString("FAILURE_POLICY", &config.Guard.FailurePolicy)
	e.setDuration("FAIL_CLOSED_RETRY_AFTER", &config.Guard.FailClosedRetryAfter)
	e.setInt("MAX_RETRIES", &config.Guard.MaxRetries)
	e.setDuration("RETRY_INITIAL_INTERVAL", &config.Guard.RetryInitialInterval)
	e.setDuration("RETRY_MAX_INTERVAL", &config.Guard.RetryMaxInterval)
	e.setInt("LOCK_SHARDS", &config.Guard.LockShards)
	e.setBool("TRUST_PROXY_HEADERS", &config.Guard.TrustProxyHeaders)

	// Cleanup configuration
	e.setBool("CLEANUP_ENABLED", &config.Cleanup.Enabled)
	e.setDuration("CLEANUP_INTERVAL", &config.Cleanup.Interval)
	e.setInt("CLEANUP_BATCH_LIMIT", &config.Cleanup.BatchLimit)
	e.setDuration("CLEANUP_RETENTION_GRACE", &config.Cleanup.RetentionGrace)
	e.setDuration("CLEANUP_TIMEOUT", &config.Cleanup.Timeout)
	e.setFloat("CLEANUP_BATCHES_PER_SECOND", &config.Cleanup.BatchesPerSecond)

	// Logging configuration
	e.setString("LOG_LEVEL", &config.Logging.Level)
	e.setString("LOG_FORMAT", &config.Logging.Format)
	e.setString("LOG_OUTPUT", &config.Logging.Output)
	e.setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing configuration
	e.setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	e.setString("METRICS_PATH", &config.Metrics.Path)
	e.setInt("METRICS_PORT", &config.Metrics.Port)
	e.setString("SERVICE_NAME", &config.Observability.ServiceName)
	e.setBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	e.setString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	e.setString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	e.setFloat("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	// Event stream configuration
	e.setBool("EVENTS_ENABLED", &config.Events.Enabled)
	e.setList("EVENTS_BROKERS", &config.Events.Brokers)
	e.setString("EVENTS_TOPIC", &config.Events.Topic)
	e.setBool("EVENTS_INCLUDE_IDENTIFIER", &config.Events.IncludeIdentifier)
	e.setDuration("EVENTS_BATCH_TIMEOUT", &config.Events.BatchTimeout)

	return e.err
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// envReader applies typed overrides and keeps the first parse failure.
type envReader struct {
	err error
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

// setList reads a comma-separated list, dropping empty entries.
func (e *envReader) setList(name string, dst *[]string) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) setInt(name string, dst *int) {
	if v, ok := lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(name string, dst *float64) {
	if v, ok := lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if v, ok := lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

// ParseActions parses a compact action list of the form
// "login=60s/5/15m,signup=1h/3/1h" (window/max attempts/block duration).
func ParseActions(raw string) (map[string]models.ActionLimits, error) {
	actions := make(map[string]models.ActionLimits)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("action entry %q must be name=window/max/block", entry)
		}

		parts := strings.Split(value, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("action %q: expected window/max/block, got %q", name, value)
		}

		window, err := time.ParseDuration(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("action %q window: %w", name, err)
		}
		maxAttempts, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("action %q max attempts: %w", name, err)
		}
		block, err := time.ParseDuration(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("action %q block duration: %w", name, err)
		}

		limits := models.ActionLimits{Window: window, MaxAttempts: maxAttempts, BlockDuration: block}
		if err := limits.Validate(); err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		actions[name] = limits
	}

	return actions, nil
}

// ActionNames returns the configured action names in sorted order.
func ActionNames(config *models.Config) []string {
	names := make([]string, 0, len(config.Guard.Actions))
	for name := range config.Guard.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	config.Guard.Actions = map[string]models.ActionLimits{
		"login":          {Window: time.Minute, MaxAttempts: 5, BlockDuration: 15 * time.Minute},
		"signup":         {Window: time.Hour, MaxAttempts: 3, BlockDuration: time.Hour},
		"password_reset": {Window: time.Hour, MaxAttempts: 3, BlockDuration: 30 * time.Minute},
		"api":            {Window: time.Minute, MaxAttempts: 120, BlockDuration: time.Minute},
	}

	config.Security.EnableAuth = true
	config.Security.AdminToken = "change-me"
	config.Security.AdminAction = "api"

	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"
	config.Server.CORS.AllowedOrigins = []string{"https://console.example.com"}

	config.Events.Brokers = []string{"localhost:9092"}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
