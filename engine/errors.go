// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"

	"github.com/Query-farm/reportbridge/codec"
)

var (
	// ErrWorkerUnavailable matches every *WorkerUnavailableError.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrEngineDisposed is returned by every call after Close.
	ErrEngineDisposed = errors.New("engine disposed")
	// ErrInvalidConnectionConfig is returned, before anything is started,
	// for a connection descriptor that cannot work.
	ErrInvalidConnectionConfig = errors.New("invalid connection config")
	// ErrInvalidRequest is returned for a nil report request.
	ErrInvalidRequest = errors.New("invalid report request")
)

// Reason classifies why the worker could not be brought up.
type Reason string

const (
	ReasonExecutableNotFound Reason = "executable_not_found"
	ReasonHandshakeTimeout   Reason = "handshake_timeout"
	ReasonCanceled           Reason = "canceled"
	ReasonFailed             Reason = "failed"
)

// WorkerUnavailableError is returned when the lazy start fails. The engine
// stays Failed and keeps returning it.
type WorkerUnavailableError struct {
	Reason Reason
	Err    error
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("worker unavailable (%s): %v", e.Reason, e.Err)
}

func (e *WorkerUnavailableError) Unwrap() error { return e.Err }

func (e *WorkerUnavailableError) Is(target error) bool {
	return target == ErrWorkerUnavailable
}

func unavailable(reason Reason, err error) error {
	return &WorkerUnavailableError{Reason: reason, Err: err}
}

// ValidateConnection checks a connection descriptor. A nil descriptor is
// valid: the report brings its own connection.
func ValidateConnection(c *codec.ConnectionInfo) error {
	if c == nil {
		return nil
	}
	if c.Server == "" {
		return fmt.Errorf("%w: server is empty", ErrInvalidConnectionConfig)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database is empty", ErrInvalidConnectionConfig)
	}
	if c.IntegratedSecurity {
		return nil
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required without integrated security", ErrInvalidConnectionConfig)
	}
	if c.Password == nil {
		return fmt.Errorf("%w: password is required without integrated security", ErrInvalidConnectionConfig)
	}
	return nil
}
