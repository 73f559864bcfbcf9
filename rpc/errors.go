// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/Query-farm/reportbridge/codec"
)

// ErrChannelClosed is returned by calls that were in flight, or issued, after
// the channel went away.
var ErrChannelClosed = errors.New("channel closed")

// ErrRemoteFault is a sentinel for use with errors.Is to check whether any
// error in a chain is a *RemoteFault.
var ErrRemoteFault = &RemoteFault{}

// Fault kinds produced by the transport itself. Handler faults carry whatever
// kind the server's FaultMapper assigns.
const (
	FaultUnknownOperation = "UnknownOperation"
	FaultMalformedPayload = "MalformedPayload"
	FaultProtocol         = "ProtocolError"
	FaultVersion          = "VersionError"
	FaultSerialization    = "SerializationError"
	FaultPanic            = "Panic"
	FaultCanceled         = "Canceled"
	FaultTimeout          = "Timeout"
	FaultInternal         = "InternalError"
)

// RemoteFault is a structured failure returned by the peer in place of a
// result. It is never a re-thrown native error; Kind and SubKind classify it.
type RemoteFault struct {
	Kind    string
	SubKind string
	Message string
	// Detail holds a stack trace when the server runs with debug faults.
	Detail    string
	RequestID string
}

func (f *RemoteFault) Error() string {
	if f.SubKind != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.SubKind, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is matches any *RemoteFault target. A MalformedPayload fault also matches
// codec.ErrMalformedPayload.
func (f *RemoteFault) Is(target error) bool {
	if target == codec.ErrMalformedPayload {
		return f.Kind == FaultMalformedPayload
	}
	_, ok := target.(*RemoteFault)
	return ok
}

// FaultKinder is implemented by errors that classify themselves.
type FaultKinder interface {
	FaultKind() string
}

// FaultSubKinder is implemented by errors that carry a structured sub-kind.
type FaultSubKinder interface {
	FaultSubKind() string
}

// FaultMapper converts a handler error into the fault sent to the caller.
type FaultMapper func(err error) *RemoteFault

// FaultFromError classifies err. An existing *RemoteFault is passed through;
// errors implementing FaultKinder/FaultSubKinder supply their own kind;
// context errors become Canceled or Timeout; anything else gets defaultKind
// and its Go type as sub-kind.
func FaultFromError(err error, defaultKind string) *RemoteFault {
	var rf *RemoteFault
	if errors.As(err, &rf) {
		return rf
	}
	f := &RemoteFault{Message: err.Error()}
	var kinder FaultKinder
	var subKinder FaultSubKinder
	switch {
	case errors.As(err, &kinder):
		f.Kind = kinder.FaultKind()
		if errors.As(err, &subKinder) {
			f.SubKind = subKinder.FaultSubKind()
		}
	case errors.Is(err, context.Canceled):
		f.Kind = FaultCanceled
	case errors.Is(err, context.DeadlineExceeded):
		f.Kind = FaultTimeout
	case errors.Is(err, codec.ErrMalformedPayload):
		f.Kind = FaultMalformedPayload
	default:
		f.Kind = defaultKind
		f.SubKind = fmt.Sprintf("%T", unwrapAll(err))
	}
	return f
}

func unwrapAll(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func defaultFaultMapper(err error) *RemoteFault {
	return FaultFromError(err, FaultInternal)
}

// faultExtra is the JSON structure written to reportbridge.log_extra for
// EXCEPTION-level batches.
type faultExtra struct {
	Kind    string `json:"kind"`
	SubKind string `json:"sub_kind,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// buildFaultExtra creates the log_extra JSON for a fault. The stack is only
// captured in debug mode.
func buildFaultExtra(f *RemoteFault, debug bool) string {
	extra := faultExtra{
		Kind:    f.Kind,
		SubKind: f.SubKind,
		Message: f.Message,
		Detail:  f.Detail,
	}
	switch {
	case !debug:
		extra.Detail = ""
	case extra.Detail == "":
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		extra.Detail = string(buf[:n])
	}
	data, _ := json.Marshal(extra)
	return string(data)
}

// parseFaultExtra rebuilds a fault from an EXCEPTION batch. A missing or
// unreadable extra still yields a fault carrying the log message.
func parseFaultExtra(message, extraJSON, requestID string) *RemoteFault {
	f := &RemoteFault{Kind: FaultInternal, Message: message, RequestID: requestID}
	if extraJSON == "" {
		return f
	}
	var extra faultExtra
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return f
	}
	if extra.Kind != "" {
		f.Kind = extra.Kind
	}
	if extra.Message != "" {
		f.Message = extra.Message
	}
	f.SubKind = extra.SubKind
	f.Detail = extra.Detail
	return f
}

// ErrVersionMismatch is returned by Describe when the peer speaks another
// protocol version.
var ErrVersionMismatch = errors.New("protocol version mismatch")

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", codec.ErrMalformedPayload, fmt.Sprintf(format, args...))
}
