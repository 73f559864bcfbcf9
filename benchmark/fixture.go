// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds an in-process fixture that serves the primary
// operation set without rendering anything, so benchmarks measure only the
// codec and the transport.
package benchmark

import (
	"context"
	"fmt"
	"net"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
)

// RegisterMethods registers no-op handlers for every primary operation.
func RegisterMethods(server *rpc.Server) {
	rpc.Unary(server, protocol.MethodRenderOrDisplay, renderOrDisplay)
	rpc.Unary(server, protocol.MethodRenderOrDisplayModal, renderOrDisplayModal)
	rpc.Unary(server, protocol.MethodExport, export)
	rpc.UnaryVoid(server, protocol.MethodPrint, printReport)
}

func renderOrDisplay(_ context.Context, _ *rpc.CallContext, p protocol.RenderParams) (string, error) {
	return p.Request.CorrelationID, nil
}

func renderOrDisplayModal(_ context.Context, _ *rpc.CallContext, p protocol.ModalParams) (codec.ModalResult, error) {
	return codec.ModalResult{Result: codec.DialogOK, Geometry: p.Viewer.Geometry}, nil
}

func export(_ context.Context, _ *rpc.CallContext, p protocol.ExportParams) (protocol.ExportResult, error) {
	var rows int64
	for _, ds := range p.Request.Datasets {
		for _, t := range ds.Tables {
			rows += int64(len(t.Rows))
		}
	}
	return protocol.ExportResult{Size: rows}, nil
}

func printReport(_ context.Context, _ *rpc.CallContext, _ protocol.PrintParams) error {
	return nil
}

// Fixture is a client connected to an in-process server over a pipe.
type Fixture struct {
	Client *rpc.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFixture starts the server and connects a client to it.
func NewFixture() *Fixture {
	server := rpc.NewServer()
	server.SetServiceName("reportbridge-benchmark")
	RegisterMethods(server)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fixture{Client: rpc.NewClient(clientConn), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		_ = server.Serve(ctx, serverConn)
	}()
	return f
}

// Close stops the server and closes the client.
func (f *Fixture) Close() {
	_ = f.Client.Close()
	f.cancel()
	<-f.done
}

// Request builds a report request with params parameters and one dataset
// holding a table of rows rows, including binary cells.
func Request(params, rows int) *codec.ReportRequest {
	req := codec.NewReportRequest("bench/report.rpt")
	req.Title = "benchmark"
	for i := range params {
		if i%2 == 0 {
			req.Parameters[fmt.Sprintf("p%03d", i)] = int64(i)
		} else {
			req.Parameters[fmt.Sprintf("p%03d", i)] = fmt.Sprintf("value-%d", i)
		}
	}
	if rows == 0 {
		return req
	}
	t := codec.NewTable("lines",
		codec.Column{Name: "id", Kind: codec.KindInt64},
		codec.Column{Name: "name", Kind: codec.KindString, MaxLength: 64},
		codec.Column{Name: "amount", Kind: codec.KindFloat64},
		codec.Column{Name: "logo", Kind: codec.KindBinary},
	)
	logo := make([]byte, 256)
	for i := range logo {
		logo[i] = byte(i)
	}
	for i := range rows {
		var blob []byte
		if i%3 != 0 {
			blob = logo
		}
		_ = t.AddRow(int64(i), fmt.Sprintf("item %d", i), float64(i)*1.25, blob)
	}
	req.Datasets = []*codec.Dataset{{Name: "orders", Tables: []*codec.Table{t}}}
	return req
}
