package bus

import (
	"context"
	"fmt"
	"sync"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

// LagError reports that a subscriber fell behind and Missed events were overwritten.
// The subscription resumes at the oldest retained event.
type LagError struct {
	Topic  core.TopicKey
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged on %s: %d events missed", e.Topic, e.Missed)
}

// Topic is a bounded broadcast ring. Publishing overwrites the oldest slot and never
// waits for subscribers; each subscriber tracks its own cursor.
type Topic struct {
	key core.TopicKey

	mu     sync.Mutex
	buf    []core.MarketEvent
	head   uint64 // sequence number of the next event to be written
	closed bool
	notify chan struct{}
}

func newTopic(key core.TopicKey, capacity int) *Topic {
	return &Topic{
		key:    key,
		buf:    make([]core.MarketEvent, capacity),
		notify: make(chan struct{}),
	}
}

// Key returns the routing key of the topic
func (t *Topic) Key() core.TopicKey {
	return t.key
}

func (t *Topic) publish(event core.MarketEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%s: %w", t.key, apperrors.ErrTopicClosed)
	}

	t.buf[t.head%uint64(len(t.buf))] = event
	t.head++

	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.notify)
}

func (t *Topic) subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Subscription{topic: t, next: t.head}
}

// Subscription is one consumer's independent cursor on a topic.
// A Subscription must not be shared between goroutines.
type Subscription struct {
	topic *Topic
	next  uint64
}

// Key returns the topic key the subscription reads from
func (s *Subscription) Key() core.TopicKey {
	return s.topic.key
}

// Recv blocks until the next event is available, the topic is closed and drained,
// or ctx is done. A *LagError is returned once per gap.
func (s *Subscription) Recv(ctx context.Context) (core.MarketEvent, error) {
	t := s.topic
	for {
		t.mu.Lock()
		if s.next < t.head {
			var oldest uint64
			if capacity := uint64(len(t.buf)); t.head > capacity {
				oldest = t.head - capacity
			}
			if s.next < oldest {
				missed := oldest - s.next
				s.next = oldest
				t.mu.Unlock()
				return core.MarketEvent{}, &LagError{Topic: t.key, Missed: missed}
			}

			event := t.buf[s.next%uint64(len(t.buf))]
			s.next++
			t.mu.Unlock()
			return event, nil
		}

		if t.closed {
			t.mu.Unlock()
			return core.MarketEvent{}, apperrors.ErrTopicClosed
		}

		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return core.MarketEvent{}, ctx.Err()
		case <-wait:
		}
	}
}
