package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("event bus is closed")

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events to it are dropped
const subscriberBuffer = 100

// Bus delivers events to subscribers without ever blocking the publisher
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]Filter
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan *Event]Filter)}
}

// Subscribe returns a channel receiving events matching f. The channel is
// closed by Unsubscribe or Close.
func (b *Bus) Subscribe(f Filter) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = f
	return ch
}

// Unsubscribe removes and closes a subscription
func (b *Bus) Unsubscribe(sub <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		if ch == sub {
			delete(b.subscribers, ch)
			close(ch)
			return
		}
	}
}

// Publish assigns the event an id and hands it to every matching
// subscriber with room in its buffer
func (b *Bus) Publish(ctx context.Context, e *Event) error {
	if b == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch, f := range b.subscribers {
		if !f.Matches(e) {
			continue
		}
		select {
		case ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Full; drop for this subscriber
		}
	}
	return nil
}

// Close closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
