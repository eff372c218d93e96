package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: DefaultOrchestratorConfig(),
		Retry:        DefaultRetryConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Mongo:        DefaultMongoConfig(),
		Audit:        DefaultAuditConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultOrchestratorConfig returns the default execution settings: human
// approvals with a one-hour budget and in-memory checkpoints.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AutoApprove:        false,
		ApprovalTimeout:    time.Hour,
		DefaultStepTimeout: 0,
		CheckpointBackend:  "memory",
	}
}

// DefaultRetryConfig mirrors the default step retry policy: three retries
// with jittered exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Exponential:   true,
		Jitter:        true,
		RecordHistory: true,
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default history database settings: a
// local SQLite file.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "takt.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultMongoConfig returns the default MongoDB settings.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:      "mongodb://localhost:27017",
		Database: "takt",
	}
}

// DefaultAuditConfig returns the default audit settings: structured log
// output.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Backend: "log",
		Stream:  "takt:audit",
		MaxLen:  10000,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry settings: disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "takt",
		SampleRate:   1.0,
	}
}
