package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/events"
)

// Publisher pushes completion payloads downstream; satisfied by the
// publisher package implementations.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublisherSink forwards terminal job events to a topic so downstream report
// renderers can pick up finished jobs. Progress events are not forwarded.
type PublisherSink struct {
	publisher Publisher
	topic     string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to the given topic.
func NewPublisherSink(publisher Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{
		publisher: publisher,
		topic:     topic,
		timeout:   10 * time.Second,
		logger:    logger,
	}
}

// Handle publishes terminal events. Failures are logged, never propagated;
// the engine must not stall because the broker is down.
func (s *PublisherSink) Handle(evt events.Event) {
	switch evt.Kind {
	case events.KindJobCompleted, events.KindJobFailed, events.KindJobCancelled:
	default:
		return
	}
	if s.publisher == nil || s.topic == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	payload := map[string]any{
		"job_id":          evt.JobID,
		"event":           string(evt.Kind),
		"completed_count": evt.CompletedCount,
		"total_count":     evt.TotalCount,
		"duration_ms":     evt.Dur.Milliseconds(),
		"timestamp":       evt.TS.Format(time.RFC3339),
	}
	if evt.Note != "" {
		payload["note"] = evt.Note
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("publish job event failed",
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err),
		)
	}
}
