package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Router routes events to every handler whose topic pattern matches
type Router struct {
	mu       sync.RWMutex
	handlers []routeEntry
	logger   *zap.Logger
}

type routeEntry struct {
	pattern Topic
	handler EventHandler
}

// NewRouter creates a new event router
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger.Named("event-router")}
}

// RegisterHandler registers an event handler for a topic pattern
func (r *Router) RegisterHandler(pattern Topic, handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, routeEntry{pattern: pattern, handler: handler})
}

// HandlerID identifies the router to subscribers
func (r *Router) HandlerID() string {
	return "event-router"
}

// Handle routes an event to all matching handlers. The first handler error is
// returned so the transport can redeliver; the remaining handlers still run.
func (r *Router) Handle(ctx context.Context, event *Event) error {
	r.mu.RLock()
	entries := make([]routeEntry, len(r.handlers))
	copy(entries, r.handlers)
	r.mu.RUnlock()

	matched := false
	var firstErr error
	for _, entry := range entries {
		if !event.Topic.Matches(entry.pattern) {
			continue
		}
		matched = true
		if err := entry.handler.Handle(ctx, event); err != nil {
			r.logger.Warn("handler failed",
				zap.String("topic", event.Topic.String()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !matched {
		r.logger.Debug("no handlers registered", zap.String("topic", event.Topic.String()))
	}

	return firstErr
}
