// Package events provides the typed publish-subscribe sink that the core's
// components emit state transitions into. Monitoring UIs subscribe for live
// dashboards; publishers never block on slow subscribers.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	BreakerStateChanged Type = "breaker.state_changed"
	RetryScheduled      Type = "retry.scheduled"
	RetryExhausted      Type = "retry.exhausted"
	TokenRotated        Type = "token.rotated"
	TokenMigrated       Type = "token.migrated"
	TokenRefreshed      Type = "token.refreshed"
	PinRejected         Type = "pinning.rejected"
	KeyRotated          Type = "apikey.rotated"
	SecurityViolation   Type = "security.violation"
)

// Event is the envelope delivered to subscribers. Payload holds one of the
// typed payload structs below, keyed by Type.
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
}

type BreakerStateChange struct {
	Endpoint      string
	PreviousState string
	NewState      string
	FailureCount  int
}

type RetryAttempt struct {
	EntryID  string
	Endpoint string
	Attempt  int
	Max      int
	Delay    time.Duration
}

type TokenEvent struct {
	TokenType  string
	Generation int
}

type PinFailure struct {
	Domain string
	Reason string
}

type KeyRotation struct {
	Provider string
}

type Violation struct {
	Source string
	Detail string
}

// Bus fans events out to channel subscribers and keeps a bounded history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	maxHistory  int
}

func NewBus(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = 256
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		history:     make([]Event, 0, maxHistory),
		maxHistory:  maxHistory,
	}
}

// Subscribe returns a buffered channel of events and an unsubscribe func.
// Events are dropped for subscribers whose buffer is full.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers without blocking.
func (b *Bus) Publish(typ Type, payload any) {
	evt := Event{Type: typ, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = append(b.history[1:], evt)
	} else {
		b.history = append(b.history, evt)
	}
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default: // slow subscriber, drop
		}
	}
	b.mu.Unlock()
}

// Recent returns a copy of the buffered event history, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
