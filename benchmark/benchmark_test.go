// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/shm"
)

func TestFixtureServesPrimaryOperations(t *testing.T) {
	f := NewFixture()
	defer f.Close()
	ctx := context.Background()

	desc, err := f.Client.Describe(ctx)
	require.NoError(t, err)
	assert.Empty(t, protocol.Missing(protocol.PrimaryOperations, desc.Methods()))

	req := Request(4, 10)
	res, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, f.Client, protocol.MethodExport,
		protocol.ExportParams{Request: req, Options: codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Size)
}

func BenchmarkRequestMarshal(b *testing.B) {
	for _, rows := range []int{0, 100, 10000} {
		req := Request(8, rows)
		b.Run(fmt.Sprintf("rows=%d", rows), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				if _, err := req.MarshalIPC(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRequestUnmarshal(b *testing.B) {
	data, err := Request(8, 1000).MarshalIPC()
	require.NoError(b, err)
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		var req codec.ReportRequest
		if err := req.UnmarshalIPC(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPrintRoundTrip(b *testing.B) {
	f := NewFixture()
	defer f.Close()
	ctx := context.Background()
	req := Request(8, 0)

	b.ReportAllocs()
	for b.Loop() {
		if err := rpc.CallVoid(ctx, f.Client, protocol.MethodPrint, protocol.PrintParams{Request: req}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRenderRoundTrip(b *testing.B) {
	f := NewFixture()
	defer f.Close()
	ctx := context.Background()
	req := Request(8, 1000)

	b.ReportAllocs()
	for b.Loop() {
		_, err := rpc.Call[protocol.RenderParams, string](ctx, f.Client, protocol.MethodRenderOrDisplay,
			protocol.RenderParams{Request: req})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSegmentRoundTrip(b *testing.B) {
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	for _, compress := range []bool{false, true} {
		b.Run(fmt.Sprintf("compress=%v", compress), func(b *testing.B) {
			b.SetBytes(int64(len(payload)))
			for b.Loop() {
				w, err := shm.Create("rb-bench-"+uuid.NewString(), compress)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := w.Write(payload); err != nil {
					b.Fatal(err)
				}
				if err := w.Close(); err != nil {
					b.Fatal(err)
				}
				r, err := shm.Open(w.Name())
				if err != nil {
					b.Fatal(err)
				}
				if _, err := io.Copy(io.Discard, r); err != nil {
					b.Fatal(err)
				}
				_ = r.Close()
			}
		})
	}
}
