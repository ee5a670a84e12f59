// Package sinks provides event bus observers: structured logging,
// Prometheus export, and downstream publication of terminal job events.
package sinks

import (
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/events"
)

// LogSink emits structured logs for the lifecycle event stream. It is useful
// during development or audits where no metrics backend is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the event bus handler shape.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Handle logs one event using structured fields.
func (s *LogSink) Handle(evt events.Event) {
	fields := []zap.Field{
		zap.String("job_id", evt.JobID),
		zap.String("kind", string(evt.Kind)),
		zap.Int("progress", evt.Progress),
		zap.Int("completed", evt.CompletedCount),
		zap.Int("total", evt.TotalCount),
	}
	if evt.Target != "" {
		fields = append(fields, zap.String("target", evt.Target), zap.String("outcome", string(evt.Outcome)))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	s.logger.Info("job event", fields...)
}
