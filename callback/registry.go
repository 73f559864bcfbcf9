// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package callback routes asynchronous notifications from the worker to the
// host code that is waiting for them.
//
// A [Registry] maps correlation ids to one-shot handlers: the first
// [Registry.TryInvoke] for an id wins and every later one is a no-op, so a
// notification that is delivered more than once still resolves its waiter
// exactly once. A [Bus] fans the same notifications out to any number of
// subscribers.
package callback

import (
	"errors"
	"sync"
)

var (
	// ErrRegistryClosed is returned by Register after Close.
	ErrRegistryClosed = errors.New("callback registry closed")
	// ErrDuplicateID is returned when a correlation id is registered twice.
	ErrDuplicateID = errors.New("correlation id already registered")
)

// Registry holds pending one-shot handlers keyed by correlation id. It is
// safe for concurrent use.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]func(T)
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]func(T))}
}

// Register adds a handler for id.
func (r *Registry[T]) Register(id string, fn func(T)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.entries[id]; ok {
		return ErrDuplicateID
	}
	r.entries[id] = fn
	return nil
}

// TryInvoke removes the handler for id and calls it with v. It reports
// whether a handler was found. The handler runs outside the lock.
func (r *Registry[T]) TryInvoke(id string, v T) bool {
	r.mu.Lock()
	fn, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	fn(v)
	return true
}

// Remove drops the handler for id without calling it.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Len returns the number of pending handlers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close drops every pending handler and rejects later registrations. It
// returns the ids that were still pending.
func (r *Registry[T]) Close() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	clear(r.entries)
	return ids
}
