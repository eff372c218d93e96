// Package config loads Takt configuration from defaults, an optional YAML
// file, and environment variable overrides, in that order of precedence.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("takt.yaml").
//	    WithEnvPrefix("TAKT").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete Takt configuration.
type Config struct {
	// Orchestrator controls execution behavior.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Retry is the default retry policy applied to steps without one.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Redis backs the Redis checkpoint/approval stores and the audit stream.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database backs the relational execution-history trail.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo backs the MongoDB checkpoint store.
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// Audit selects the audit sink backend.
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// OrchestratorConfig controls execution behavior.
type OrchestratorConfig struct {
	// AutoApprove resolves every approval request immediately with the
	// synthetic resolver instead of waiting for a human.
	AutoApprove bool `yaml:"auto_approve" env:"AUTO_APPROVE"`
	// ApprovalTimeout bounds how long a step waits for a resolution.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" env:"APPROVAL_TIMEOUT"`
	// DefaultStepTimeout is the per-attempt budget for steps that declare
	// none. Zero means unlimited.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// CheckpointBackend selects the checkpoint store: memory, redis, mongo.
	CheckpointBackend string `yaml:"checkpoint_backend" env:"CHECKPOINT_BACKEND"`
}

// RetryConfig is the serializable form of the default step retry policy.
type RetryConfig struct {
	// MaxRetries caps retry attempts. -1 removes the cap.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Exponential doubles the delay per attempt.
	Exponential bool `yaml:"exponential" env:"EXPONENTIAL"`
	// Jitter randomizes delays by up to 20% either way.
	Jitter bool `yaml:"jitter" env:"JITTER"`
	// RecordHistory retains per-attempt retry history on step states.
	RecordHistory bool `yaml:"record_history" env:"RECORD_HISTORY"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the relational history store.
type DatabaseConfig struct {
	// Driver selects the dialect: postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig configures the MongoDB checkpoint store.
type MongoConfig struct {
	URI      string `yaml:"uri" env:"URI"`
	Database string `yaml:"database" env:"DATABASE"`
}

// AuditConfig selects the audit sink backend.
type AuditConfig struct {
	// Backend is one of: log, redis, noop.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Stream is the Redis stream key for the redis backend.
	Stream string `yaml:"stream" env:"STREAM"`
	// MaxLen approximately caps the Redis stream length. Zero disables
	// trimming.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs or file paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the caller location.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stack traces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the TAKT env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TAKT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an error;
// defaults and environment overrides still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML file, then
// environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []string

	switch c.Orchestrator.CheckpointBackend {
	case "memory", "redis", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown checkpoint backend %q", c.Orchestrator.CheckpointBackend))
	}
	if c.Orchestrator.ApprovalTimeout <= 0 {
		errs = append(errs, "approval_timeout must be positive")
	}
	if c.Retry.MaxRetries < -1 {
		errs = append(errs, "retry max_retries must be -1 or greater")
	}
	switch c.Audit.Backend {
	case "log", "redis", "noop":
	default:
		errs = append(errs, fmt.Sprintf("unknown audit backend %q", c.Audit.Backend))
	}
	// An empty driver disables the relational history store.
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
