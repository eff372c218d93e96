package audit

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink writes events to a zap logger as structured log entries.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink that logs events at info level.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.With(zap.String("component", "audit_sink"))}
}

func (s *ZapSink) Emit(ctx context.Context, event Event) error {
	s.logger.Info("audit event",
		zap.String("event_type", string(event.Type)),
		zap.String("execution_id", event.ExecutionID),
		zap.String("step_id", event.StepID),
		zap.Time("at", event.At),
		zap.Any("data", event.Data),
	)
	return nil
}
