// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

// State is the engine's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateSpawning
	StateAwaitingHandshake
	StateReady
	StateFailed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSpawning:
		return "spawning"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// disposing reports whether Close has started.
func (s State) disposing() bool {
	return s == StateClosing || s == StateClosed
}
