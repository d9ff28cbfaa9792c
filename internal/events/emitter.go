package events

import (
	"context"
	"log/slog"
	"sync"
)

var _ Emitter = (*Bus)(nil)

// Bus delivers events synchronously to every registered handler.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "event_bus")}
}

// Subscribe adds a handler.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit calls every handler in subscription order. All handlers run even if
// one fails; the first error is returned.
func (b *Bus) Emit(ctx context.Context, event *Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.WarnContext(ctx, "no handlers for event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var firstErr error
	for i, h := range handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			b.logger.ErrorContext(ctx, "event handler failed",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
