// Package bus implements the topic-keyed market data fan-out
package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/telemetry"
)

// DefaultCapacity is the per-topic ring size
const DefaultCapacity = 1024

// Registry maps (instrument, category) keys to broadcast topics.
// Topics are created during startup; after Seal the key set is fixed.
type Registry struct {
	capacity int
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu     sync.RWMutex
	topics map[core.TopicKey]*Topic
	sealed bool
}

// NewRegistry creates an empty registry
func NewRegistry(capacity int, logger core.ILogger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		logger:   logger.WithField("component", "topic_registry"),
		metrics:  telemetry.GetGlobalMetrics(),
		topics:   make(map[core.TopicKey]*Topic),
	}
}

// Register creates the topic for key if absent. Registering an existing key is a no-op.
func (r *Registry) Register(key core.TopicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[key]; ok {
		return nil
	}
	if r.sealed {
		return fmt.Errorf("register %s: %w", key, apperrors.ErrRegistrySealed)
	}

	r.topics[key] = newTopic(key, r.capacity)
	r.logger.Debug("Topic registered", "topic", key.String())
	return nil
}

// Seal freezes the key set
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Require verifies every key is registered and names all missing ones
func (r *Registry) Require(keys ...core.TopicKey) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, k := range keys {
		if _, ok := r.topics[k]; !ok {
			missing = append(missing, k.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownTopic, strings.Join(missing, ", "))
	}
	return nil
}

// Publish fans an event out to every subscriber of its topic without blocking
func (r *Registry) Publish(ctx context.Context, event core.MarketEvent) error {
	key := event.Topic()

	r.mu.RLock()
	t, ok := r.topics[key]
	r.mu.RUnlock()

	if !ok {
		r.metrics.RecordPublishError(ctx, key.String())
		return fmt.Errorf("publish %s: %w", key, apperrors.ErrUnknownTopic)
	}

	if err := t.publish(event); err != nil {
		return err
	}
	r.metrics.RecordEventPublished(ctx, key.String())
	return nil
}

// Subscribe opens a new cursor positioned after the latest published event
func (r *Registry) Subscribe(key core.TopicKey) (*Subscription, error) {
	r.mu.RLock()
	t, ok := r.topics[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", key, apperrors.ErrUnknownTopic)
	}
	return t.subscribe(), nil
}

// Close closes every topic. Subscribers drain what is buffered and then see ErrTopicClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	for _, t := range r.topics {
		t.close()
	}
}

// Keys returns the registered keys in a stable order
func (r *Registry) Keys() []core.TopicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]core.TopicKey, 0, len(r.topics))
	for k := range r.topics {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Len returns the number of registered topics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
