// Package notify holds best-effort user notifications produced by the cart.
package notify

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

// ErrFeedFull is returned when a key already holds the maximum number of
// undelivered messages. The oldest messages are kept.
var ErrFeedFull = errors.New("notification feed full")

// DefaultCapacity is the per-key message limit used when none is given.
const DefaultCapacity = 16

var _ cart.Notifier = (*Feed)(nil)

// Feed is a bounded per-key message queue. Messages are collected by Notify
// and handed out once by Drain.
type Feed struct {
	capacity int

	mu    sync.Mutex
	queue map[string][]string
}

// NewFeed creates a Feed holding at most capacity messages per key.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		capacity: capacity,
		queue:    make(map[string][]string),
	}
}

// Notify queues message for key.
func (f *Feed) Notify(_ context.Context, key, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue[key]) >= f.capacity {
		return ErrFeedFull
	}
	f.queue[key] = append(f.queue[key], message)
	return nil
}

// Drain returns and removes every queued message for key.
func (f *Feed) Drain(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := f.queue[key]
	delete(f.queue, key)
	return msgs
}
