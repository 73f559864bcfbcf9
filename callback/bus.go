// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package callback

import (
	"context"
	"sync"

	"github.com/Query-farm/reportbridge/codec"
)

// EventKind names a worker notification.
type EventKind string

const (
	EventSurfaceLoaded EventKind = "surface_loaded"
	EventSurfaceClosed EventKind = "surface_closed"
)

// Event is one notification received on the callback channel.
type Event struct {
	Kind          EventKind
	CorrelationID string
	// Geometry is set for EventSurfaceClosed.
	Geometry codec.SurfaceGeometry
	// Routed reports whether a pending handler consumed the event.
	Routed bool
}

// Bus delivers events to every current subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events published after it was created.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a subscriber with the given channel buffer. On a
// closed bus the returned subscription is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	s := &Subscription{
		bus:  b,
		ch:   make(chan Event, max(buffer, 0)),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// C returns the event channel. It is closed when the subscription or the bus
// closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. It is idempotent and never blocks on a publisher.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}

// Publish delivers ev to every subscriber, waiting on each until it accepts
// the event, unsubscribes, or ctx ends. It returns ctx's error if delivery was
// cut short.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and makes later Subscribe calls return
// closed subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
	}
}
