// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
)

func roundTripParams[P any](t *testing.T, in P) P {
	t.Helper()
	schema, err := structToSchema(reflect.TypeOf(in))
	require.NoError(t, err)
	batch, err := serializeParams(schema, in)
	require.NoError(t, err)
	defer batch.Release()

	out, err := deserializeParams(batch, reflect.TypeOf(in))
	require.NoError(t, err)
	return out.Interface().(P)
}

func roundTripResult[R any](t *testing.T, in R) R {
	t.Helper()
	schema, err := resultSchema(reflect.TypeFor[R]())
	require.NoError(t, err)
	batch, err := serializeResult(schema, in)
	require.NoError(t, err)
	defer batch.Release()

	out, err := deserializeResult(batch, reflect.TypeFor[R]())
	require.NoError(t, err)
	return out.Interface().(R)
}

func TestRenderParamsRoundTrip(t *testing.T) {
	req := codec.NewReportRequest("invoices.rpt")
	req.Title = "Invoices"
	req.Parameters["Year"] = int64(2024)
	req.Parameters["Region"] = "EMEA"

	viewer := codec.ViewerOptions{
		Title:       "Preview",
		ShowToolbar: true,
		Zoom:        100,
		Geometry: codec.SurfaceGeometry{
			X: 10, Y: 20, Width: 800, Height: 600, State: codec.WindowMaximized,
		},
	}

	t.Run("with owner", func(t *testing.T) {
		in := protocol.RenderParams{Request: req, Viewer: viewer, Owner: codec.WindowHandle(0x1F2E).Ptr()}
		out := roundTripParams(t, in)

		require.NotNil(t, out.Request)
		assert.Equal(t, req.CorrelationID, out.Request.CorrelationID)
		assert.Equal(t, "invoices.rpt", out.Request.ReportRef)
		assert.Equal(t, int64(2024), out.Request.Parameters["Year"])
		assert.Equal(t, "EMEA", out.Request.Parameters["Region"])
		assert.Equal(t, viewer, out.Viewer)
		require.NotNil(t, out.Owner)
		assert.Equal(t, codec.WindowHandle(0x1F2E), *out.Owner)
	})

	t.Run("without owner", func(t *testing.T) {
		out := roundTripParams(t, protocol.RenderParams{Request: req, Viewer: viewer})
		assert.Nil(t, out.Owner)
	})
}

func TestModalParamsKeepHandleValue(t *testing.T) {
	in := protocol.ModalParams{
		Request: codec.NewReportRequest("r"),
		Owner:   codec.WindowHandle(-1),
	}
	out := roundTripParams(t, in)
	assert.Equal(t, codec.WindowHandle(-1), out.Owner)
}

func TestOptionParamsRoundTrip(t *testing.T) {
	req := codec.NewReportRequest("r")

	export := roundTripParams(t, protocol.ExportParams{
		Request: req,
		Options: codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream},
	})
	assert.Equal(t, "pdf", export.Options.Format)
	assert.Equal(t, codec.ExportToStream, export.Options.Destination)

	printed := roundTripParams(t, protocol.PrintParams{
		Request: req,
		Options: codec.PrintOptions{PrinterName: "Office", Copies: 2, Collate: true, FromPage: 1, ToPage: 3},
	})
	assert.Equal(t, codec.PrintOptions{PrinterName: "Office", Copies: 2, Collate: true, FromPage: 1, ToPage: 3}, printed.Options)

	closed := roundTripParams(t, protocol.SurfaceClosedParams{
		CorrelationID: "abc",
		Geometry:      codec.SurfaceGeometry{Width: 1, Height: 2, State: codec.WindowNormal},
	})
	assert.Equal(t, "abc", closed.CorrelationID)
	assert.Equal(t, codec.SurfaceGeometry{Width: 1, Height: 2, State: codec.WindowNormal}, closed.Geometry)
}

func TestResultRoundTrip(t *testing.T) {
	t.Run("modal result", func(t *testing.T) {
		in := codec.ModalResult{
			Result:   codec.DialogOK,
			Geometry: codec.SurfaceGeometry{X: 5, Width: 640, Height: 480, State: codec.WindowNormal},
		}
		assert.Equal(t, in, roundTripResult(t, in))
	})

	t.Run("export result", func(t *testing.T) {
		in := protocol.ExportResult{Segment: "rb-export-1", Size: 1024}
		assert.Equal(t, in, roundTripResult(t, in))
	})

	t.Run("scalars", func(t *testing.T) {
		assert.Equal(t, "id-1", roundTripResult(t, "id-1"))
		assert.True(t, roundTripResult(t, true))
		assert.Equal(t, []byte{0, 1, 2}, roundTripResult(t, []byte{0, 1, 2}))
	})
}

func TestStructToSchemaRejectsUnsupported(t *testing.T) {
	type withChan struct {
		C chan int `rpc:"c"`
	}
	type withList struct {
		L []string `rpc:"l"`
	}
	type withMap struct {
		M map[string]int64 `rpc:"m"`
	}
	type withInt32 struct {
		N int32 `rpc:"n"`
	}
	for _, v := range []any{withChan{}, withList{}, withMap{}, withInt32{}} {
		_, err := structToSchema(reflect.TypeOf(v))
		assert.Error(t, err, "%T", v)
	}
}

func TestDeserializeArrowSerializableMalformed(t *testing.T) {
	_, err := deserializeArrowSerializable(reflect.TypeOf(codec.ModalResult{}), []byte("not arrow"))
	assert.ErrorIs(t, err, codec.ErrMalformedPayload)
}

func TestParseTag(t *testing.T) {
	info := parseTag("times")
	assert.Equal(t, "times", info.Name)
	assert.Empty(t, info.ArrowType)

	info = parseTag("payload,binary")
	assert.Equal(t, "payload", info.Name)
	assert.Equal(t, "binary", info.ArrowType)
}
