package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives envelopes delivered in process.
type Handler func(ctx context.Context, env Envelope) error

// InProcessPublisher delivers events synchronously to subscribers. It is
// used when no broker is configured. Handler errors are logged, never
// returned, so a slow or failing subscriber cannot fail a sync pass.
type InProcessPublisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewInProcessPublisher creates an empty in-process bus.
func NewInProcessPublisher(logger *slog.Logger) *InProcessPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessPublisher{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for a routing key. A trailing ".#" matches any suffix.
func (b *InProcessPublisher) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], h)
}

func (b *InProcessPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Error("failed to unmarshal event payload", "routing_key", routingKey, "error", err)
		return nil
	}
	if env.RoutingKey == "" {
		env.RoutingKey = routingKey
	}

	b.mu.RLock()
	var targets []Handler
	for pattern, hs := range b.handlers {
		if matchRoutingKey(pattern, routingKey) {
			targets = append(targets, hs...)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		if err := h(ctx, env); err != nil {
			b.logger.Error("event handler failed", "routing_key", routingKey, "event_id", env.EventID, "error", err)
		}
	}
	return nil
}

func (b *InProcessPublisher) Close() error { return nil }

func matchRoutingKey(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".#"); ok {
		return key == prefix || strings.HasPrefix(key, prefix+".")
	}
	return pattern == key
}
