// Package takt provides the top-level entry point for running workflow
// executions with minimal boilerplate.
//
// Usage:
//
//	import "github.com/takt-io/takt"
//
//	rt, err := takt.New(ctx, takt.WithInvoker(myInvoker))
//	defer rt.Close(context.Background())
//
//	exec, err := rt.Orchestrator.Execute(ctx, def, inputs)
//
// New assembles the orchestrator, the checkpoint store, the audit sink,
// the approval gate, and the optional relational history from a single
// config.Config. Callers that need finer control can construct
// orchestrator.Orchestrator directly.
package takt

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/approval"
	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/checkpoint"
	"github.com/takt-io/takt/config"
	"github.com/takt-io/takt/history"
	"github.com/takt-io/takt/internal/database"
	"github.com/takt-io/takt/internal/metrics"
	"github.com/takt-io/takt/internal/telemetry"
	"github.com/takt-io/takt/orchestrator"
	"github.com/takt-io/takt/retry"
)

// Version is the library version reported in telemetry.
const Version = "0.3.0"

// Runtime bundles an orchestrator with the backing services it was
// assembled from, so that Close can release all of them together.
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	// History is the relational trail store, or nil when no database
	// driver is configured.
	History *history.Store

	logger      *zap.Logger
	pool        *database.PoolManager
	redisClient *redis.Client
	mongoClient *mongo.Client
	providers   *telemetry.Providers
}

// Option configures the runtime created by [New].
type Option func(*settings)

type settings struct {
	cfg         *config.Config
	invoker     agent.Invoker
	compensator agent.Compensator
	logger      *zap.Logger
	sink        audit.Sink
	metrics     bool
}

// WithConfig supplies a loaded configuration. Without it, New loads the
// defaults overridden by TAKT_* environment variables.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithInvoker sets the agent invoker. Required.
func WithInvoker(inv agent.Invoker) Option {
	return func(s *settings) { s.invoker = inv }
}

// WithCompensator sets the compensation handler used during rollback.
// Optional when the invoker implements agent.Compensator itself.
func WithCompensator(comp agent.Compensator) Option {
	return func(s *settings) { s.compensator = comp }
}

// WithLogger overrides the logger built from the log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithAuditSink overrides the audit sink selected by the configuration.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *settings) { s.sink = sink }
}

// WithoutMetrics disables Prometheus metric registration. Useful when
// several runtimes share one process and one default registry.
func WithoutMetrics() Option {
	return func(s *settings) { s.metrics = false }
}

// New assembles a Runtime from configuration.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	s := settings{metrics: true}
	for _, opt := range opts {
		opt(&s)
	}
	if s.invoker == nil {
		return nil, fmt.Errorf("an invoker is required, use WithInvoker")
	}

	cfg := s.cfg
	if cfg == nil {
		loaded, err := config.LoadFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := s.logger
	if logger == nil {
		built, err := cfg.Log.BuildLogger()
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		logger = built
	}

	rt := &Runtime{logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.providers = providers

	checkpoints, err := rt.buildCheckpointStore(cfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	sink := s.sink
	if sink == nil {
		sink, err = rt.buildAuditSink(cfg)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
	}

	var recorder orchestrator.TrailRecorder
	if cfg.Database.Driver != "" {
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		rt.pool = pool

		store, err := history.NewStore(pool.DB(), logger)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.History = store
		recorder = store
	}

	var collector *metrics.Collector
	if s.metrics {
		collector = metrics.NewCollector("takt", logger)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Invoker:            s.invoker,
		Compensator:        s.compensator,
		CheckpointStore:    checkpoints,
		ApprovalStore:      rt.buildApprovalStore(cfg),
		AuditSink:          sink,
		Recorder:           recorder,
		Metrics:            collector,
		AutoApprove:        cfg.Orchestrator.AutoApprove,
		ApprovalTimeout:    cfg.Orchestrator.ApprovalTimeout,
		DefaultStepTimeout: cfg.Orchestrator.DefaultStepTimeout,
		DefaultRetryPolicy: retryPolicyFromConfig(cfg.Retry),
		Logger:             logger,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.Orchestrator = orch

	logger.Info("takt runtime ready",
		zap.String("version", Version),
		zap.String("checkpoint_backend", cfg.Orchestrator.CheckpointBackend),
		zap.String("audit_backend", cfg.Audit.Backend),
		zap.Bool("history_enabled", recorder != nil),
	)
	return rt, nil
}

// Close releases the runtime's backing connections. It is safe to call
// after a partially failed New.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.pool != nil {
		errs = append(errs, rt.pool.Close())
	}
	if rt.redisClient != nil {
		errs = append(errs, rt.redisClient.Close())
	}
	if rt.mongoClient != nil {
		errs = append(errs, rt.mongoClient.Disconnect(ctx))
	}
	if rt.providers != nil {
		errs = append(errs, rt.providers.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (rt *Runtime) buildCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Orchestrator.CheckpointBackend {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "redis":
		return checkpoint.NewRedisStore(rt.redis(cfg), ""), nil
	case "mongo":
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		rt.mongoClient = client
		return checkpoint.NewMongoStore(client.Database(cfg.Mongo.Database)), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Orchestrator.CheckpointBackend)
	}
}

func (rt *Runtime) buildAuditSink(cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "", "log":
		return audit.NewZapSink(rt.logger), nil
	case "redis":
		return audit.NewRedisStreamSink(rt.redis(cfg), cfg.Audit.Stream, cfg.Audit.MaxLen), nil
	case "noop":
		return audit.NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func (rt *Runtime) buildApprovalStore(cfg *config.Config) approval.Store {
	// Approval requests live next to the checkpoints: a redis checkpoint
	// backend keeps approvals in redis too, everything else is in memory.
	if cfg.Orchestrator.CheckpointBackend == "redis" {
		return approval.NewRedisStore(rt.redis(cfg), "")
	}
	return approval.NewMemoryStore()
}

// redis returns the shared client, creating it on first use.
func (rt *Runtime) redis(cfg *config.Config) *redis.Client {
	if rt.redisClient == nil {
		rt.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}
	return rt.redisClient
}

func retryPolicyFromConfig(cfg config.RetryConfig) *retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.InitialDelay = cfg.InitialDelay
	policy.MaxDelay = cfg.MaxDelay
	policy.Exponential = cfg.Exponential
	policy.Jitter = cfg.Jitter
	policy.RecordHistory = cfg.RecordHistory
	return policy
}
