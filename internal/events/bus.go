package events

import (
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine, so events for one job reach a given handler in emission order.
// Slow handlers slow the runner that emitted the event; keep them cheap.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe dispatcher over the
// closed event-kind set. It is safe for concurrent use.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	byKind   map[Kind][]Handler
	allKinds []Handler
}

// NewBus builds an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		byKind: make(map[Kind][]Handler),
	}
}

// On registers a handler for one event kind. Registration is append-only;
// subscribers live for the life of the bus.
func (b *Bus) On(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// OnAll registers a handler for every event kind.
func (b *Bus) OnAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allKinds = append(b.allKinds, h)
}

// Publish delivers the event to all matching handlers, in registration
// order, on the calling goroutine. Invalid events are dropped with a debug
// log. A panicking handler is contained so one bad observer cannot take
// down a job runner.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.allKinds)+len(b.byKind[evt.Kind]))
	handlers = append(handlers, b.allKinds...)
	handlers = append(handlers, b.byKind[evt.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.String("job_id", evt.JobID),
				zap.Any("panic", rec),
			)
		}
	}()
	h(evt)
}
