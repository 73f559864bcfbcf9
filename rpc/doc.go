// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the duplex remote-call transport between a
// reportbridge host and its worker, built on Apache Arrow IPC streams.
//
// Each channel is a Unix domain socket carrying a lockstep sequence of
// exchanges. A request is one complete IPC stream holding a single parameter
// batch whose custom metadata names the operation, the protocol version, a
// request id and the minimum log level the caller wants back. The response is
// one IPC stream of zero or more log batches followed by exactly one result
// batch or one fault batch (log level EXCEPTION, with the fault kind and
// message in reportbridge.log_extra).
//
// # Operations
//
// Operations are the closed set named in package protocol. Register handlers
// with [Unary] or [UnaryVoid]; call them with [Call] or [CallVoid]. Parameter
// structs are annotated with `rpc` struct tags:
//
//	`rpc:"wire_name[,binary]"`
//
// The binary option forces a binary column. A parameter the caller omits, or
// sends as null, leaves the field at its zero value.
// Pointer fields become nullable columns. Slices other than []byte and maps
// are rejected at registration. Types implementing
// [ArrowSerializable] or MarshalIPC/UnmarshalIPC travel as embedded IPC
// streams.
//
// # Faults
//
// A handler error never crosses the channel as a Go error. The server's
// [FaultMapper] converts it into a [RemoteFault] (kind, sub-kind, message)
// which the client returns as the call's error.
//
// # Handshake
//
// Every server answers __describe__ with its operation set and protocol
// version; [Client.Describe] is the handshake used before the first call.
package rpc
