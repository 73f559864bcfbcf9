// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package protocol is the wire contract between a reportbridge host and its
// worker: the closed set of operations on each channel and their parameter
// and result types.
//
// Parameter structs use `rpc` struct tags and are mapped to a one-row Arrow
// batch by package rpc. Request and option values travel as embedded IPC
// streams.
package protocol

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/reportbridge/codec"
)

// Version is the protocol version carried by every request. A peer speaking a
// different version is rejected during the handshake.
const Version = "1"

// Method names one remote operation.
type Method string

// Primary channel operations (host calls worker).
const (
	MethodRenderOrDisplay      Method = "render_or_display"
	MethodRenderOrDisplayModal Method = "render_or_display_modal"
	MethodExport               Method = "export"
	MethodPrint                Method = "print"
)

// Callback channel operations (worker calls host).
const (
	MethodSurfaceLoaded Method = "surface_loaded"
	MethodSurfaceClosed Method = "surface_closed"
)

// MethodDescribe is the introspection request used as the handshake on both
// channels. It is answered by every server and is not an operation.
const MethodDescribe Method = "__describe__"

// PrimaryOperations is the full operation set a worker must serve.
var PrimaryOperations = []Method{
	MethodRenderOrDisplay,
	MethodRenderOrDisplayModal,
	MethodExport,
	MethodPrint,
}

// CallbackOperations is the full operation set a host must serve.
var CallbackOperations = []Method{
	MethodSurfaceLoaded,
	MethodSurfaceClosed,
}

func (m Method) String() string { return string(m) }

// IsPrimary reports whether m is served by the worker.
func (m Method) IsPrimary() bool { return contains(PrimaryOperations, m) }

// IsCallback reports whether m is served by the host.
func (m Method) IsCallback() bool { return contains(CallbackOperations, m) }

func contains(set []Method, m Method) bool {
	for _, op := range set {
		if op == m {
			return true
		}
	}
	return false
}

// Missing returns the operations of want that are absent from got.
func Missing(want, got []Method) []Method {
	var out []Method
	for _, m := range want {
		if !contains(got, m) {
			out = append(out, m)
		}
	}
	return out
}

// RenderParams are the parameters of MethodRenderOrDisplay. The result is the
// request's correlation id once the surface is shown.
type RenderParams struct {
	Request *codec.ReportRequest `rpc:"request"`
	Viewer  codec.ViewerOptions  `rpc:"viewer"`
	Owner   *codec.WindowHandle  `rpc:"owner"`
}

// ModalParams are the parameters of MethodRenderOrDisplayModal. The result is
// a codec.ModalResult.
type ModalParams struct {
	Request *codec.ReportRequest `rpc:"request"`
	Viewer  codec.ViewerOptions  `rpc:"viewer"`
	Owner   codec.WindowHandle   `rpc:"owner"`
}

// ExportParams are the parameters of MethodExport.
type ExportParams struct {
	Request *codec.ReportRequest `rpc:"request"`
	Options codec.ExportOptions  `rpc:"options"`
}

// ExportResult names the shared memory segment holding a stream export. It is
// empty for file exports.
type ExportResult struct {
	Segment string `arrow:"segment"`
	Size    int64  `arrow:"size"`
}

func (ExportResult) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "segment", Type: arrow.BinaryTypes.String},
		{Name: "size", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// PrintParams are the parameters of MethodPrint. The call has no result.
type PrintParams struct {
	Request *codec.ReportRequest `rpc:"request"`
	Options codec.PrintOptions   `rpc:"options"`
}

// SurfaceLoadedParams are the parameters of MethodSurfaceLoaded. The result
// reports whether the host routed the event to a pending continuation.
type SurfaceLoadedParams struct {
	CorrelationID string `rpc:"correlation_id"`
}

// SurfaceClosedParams are the parameters of MethodSurfaceClosed. The result
// reports whether the host routed the event.
type SurfaceClosedParams struct {
	CorrelationID string                `rpc:"correlation_id"`
	Geometry      codec.SurfaceGeometry `rpc:"geometry"`
}
