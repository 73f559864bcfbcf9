// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/shm"
)

type fakeDoc struct {
	req    *codec.ReportRequest
	mu     sync.Mutex
	closed bool
}

func (d *fakeDoc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDoc) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type kindError struct{}

func (kindError) Error() string        { return "printer offline" }
func (kindError) FaultKind() string    { return "PrinterError" }
func (kindError) FaultSubKind() string { return "Offline" }

type fakeRenderer struct {
	mu        sync.Mutex
	docs      []*fakeDoc
	observers map[string]SurfaceObserver
	buildErr  error
	printErr  error
	export    []byte
	exported  string
	printed   codec.PrintOptions
}

func (r *fakeRenderer) BuildDocument(_ context.Context, req *codec.ReportRequest) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	doc := &fakeDoc{req: req}
	r.docs = append(r.docs, doc)
	return doc, nil
}

func (r *fakeRenderer) Present(_ context.Context, doc Document, _ codec.ViewerOptions, _ *codec.WindowHandle, obs SurfaceObserver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observers == nil {
		r.observers = make(map[string]SurfaceObserver)
	}
	r.observers[doc.(*fakeDoc).req.CorrelationID] = obs
	obs.Loaded()
	return nil
}

func (r *fakeRenderer) PresentModal(_ context.Context, _ Document, opts codec.ViewerOptions, owner codec.WindowHandle, obs SurfaceObserver) (codec.ModalResult, error) {
	obs.Loaded()
	geom := opts.Geometry
	geom.X = int64(owner)
	obs.Closed(geom)
	return codec.ModalResult{Result: codec.DialogOK, Geometry: geom}, nil
}

func (r *fakeRenderer) ExportToFile(_ context.Context, _ Document, opts codec.ExportOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exported = opts.Path
	return nil
}

func (r *fakeRenderer) ExportToStream(context.Context, Document, codec.ExportOptions) (io.Reader, error) {
	return bytes.NewReader(r.export), nil
}

func (r *fakeRenderer) Print(_ context.Context, _ Document, opts codec.PrintOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.printErr != nil {
		return r.printErr
	}
	r.printed = opts
	return nil
}

func (r *fakeRenderer) observer(id string) SurfaceObserver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observers[id]
}

func (r *fakeRenderer) allDocs() []*fakeDoc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeDoc(nil), r.docs...)
}

// host plays the host side of a session against a running Dispatcher.
type host struct {
	client *rpc.Client
	loaded chan string
	closed chan protocol.SurfaceClosedParams
	runErr chan error
}

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rbw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startSession(t *testing.T, r Renderer) *host {
	t.Helper()
	dir := socketDir(t)
	id := uuid.NewString()[:8]
	cfg := Config{
		PrimaryChannel:  "p-" + id,
		CallbackChannel: "c-" + id,
		SocketDir:       dir,
		ConnectTimeout:  5 * time.Second,
	}

	ln, err := rpc.Listen(dir, cfg.PrimaryChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	d, err := New(cfg, r)
	require.NoError(t, err)

	h := &host{
		loaded: make(chan string, 8),
		closed: make(chan protocol.SurfaceClosedParams, 8),
		runErr: make(chan error, 1),
	}
	go func() { h.runErr <- d.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pconn, err := ln.Accept(ctx)
	require.NoError(t, err)
	cconn, err := rpc.Dial(ctx, dir, cfg.CallbackChannel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cconn.Close() })

	cb := rpc.NewServer()
	rpc.Unary(cb, protocol.MethodSurfaceLoaded, func(_ context.Context, _ *rpc.CallContext, p protocol.SurfaceLoadedParams) (bool, error) {
		h.loaded <- p.CorrelationID
		return true, nil
	})
	rpc.Unary(cb, protocol.MethodSurfaceClosed, func(_ context.Context, _ *rpc.CallContext, p protocol.SurfaceClosedParams) (bool, error) {
		h.closed <- p
		return true, nil
	})
	go func() { _ = cb.Serve(context.Background(), cconn) }()

	h.client = rpc.NewClient(pconn)
	t.Cleanup(func() {
		_ = h.client.Close()
		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop after the host closed the primary channel")
		}
	})

	desc, err := h.client.Describe(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, protocol.PrimaryOperations, desc.Methods())
	assert.Equal(t, ServiceName, desc.ProtocolName)
	return h
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		var zero T
		return zero
	}
}

func TestOperationsAreExhaustive(t *testing.T) {
	d, err := New(Config{PrimaryChannel: "p", CallbackChannel: "c"}, &fakeRenderer{})
	require.NoError(t, err)
	assert.ElementsMatch(t, protocol.PrimaryOperations, d.Operations())
}

func TestNewRejectsStandalone(t *testing.T) {
	_, err := New(Config{}, &fakeRenderer{})
	assert.ErrorIs(t, err, ErrStandalone)
	_, err = New(Config{PrimaryChannel: "p", CallbackChannel: "c"}, nil)
	assert.Error(t, err)
}

func TestRenderNotifiesHost(t *testing.T) {
	r := &fakeRenderer{}
	h := startSession(t, r)
	ctx := context.Background()

	req := codec.NewReportRequest("sales.rpt")
	req.Parameters["From"] = "2024-01-01"
	id, err := rpc.Call[protocol.RenderParams, string](ctx, h.client, protocol.MethodRenderOrDisplay,
		protocol.RenderParams{Request: req, Owner: codec.WindowHandle(7).Ptr()})
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, id)
	assert.Equal(t, req.CorrelationID, recv(t, h.loaded))

	docs := r.allDocs()
	require.Len(t, docs, 1)
	assert.False(t, docs[0].isClosed(), "non-modal document stays open while shown")
	assert.Equal(t, "2024-01-01", docs[0].req.Parameters["From"])

	t.Run("same request cannot be shown twice", func(t *testing.T) {
		_, err := rpc.Call[protocol.RenderParams, string](ctx, h.client, protocol.MethodRenderOrDisplay,
			protocol.RenderParams{Request: req})
		var fault *rpc.RemoteFault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, "DuplicateSurface", fault.Kind)
	})

	geom := codec.SurfaceGeometry{X: 1, Y: 2, Width: 300, Height: 200, State: codec.WindowNormal}
	r.observer(id).Closed(geom)
	closed := recv(t, h.closed)
	assert.Equal(t, id, closed.CorrelationID)
	assert.Equal(t, geom, closed.Geometry)
	assert.True(t, docs[0].isClosed())
}

func TestRenderModal(t *testing.T) {
	r := &fakeRenderer{}
	h := startSession(t, r)

	req := codec.NewReportRequest("modal.rpt")
	viewer := codec.ViewerOptions{Title: "Modal", Geometry: codec.SurfaceGeometry{Width: 10, Height: 20, State: codec.WindowMaximized}}
	res, err := rpc.Call[protocol.ModalParams, codec.ModalResult](context.Background(), h.client,
		protocol.MethodRenderOrDisplayModal, protocol.ModalParams{Request: req, Viewer: viewer, Owner: 99})
	require.NoError(t, err)
	assert.Equal(t, codec.DialogOK, res.Result)
	assert.Equal(t, int64(99), res.Geometry.X)
	assert.Equal(t, codec.WindowMaximized, res.Geometry.State)

	assert.Equal(t, req.CorrelationID, recv(t, h.loaded))
	assert.Equal(t, req.CorrelationID, recv(t, h.closed).CorrelationID)
	for _, d := range r.allDocs() {
		assert.True(t, d.isClosed())
	}
}

func TestExport(t *testing.T) {
	payload := bytes.Repeat([]byte{0x25, 0x50, 0x44, 0x46, 0x00}, 1000)
	r := &fakeRenderer{export: payload}
	h := startSession(t, r)
	ctx := context.Background()

	t.Run("stream", func(t *testing.T) {
		req := codec.NewReportRequest("export.rpt")
		res, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, h.client, protocol.MethodExport,
			protocol.ExportParams{Request: req, Options: codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream}})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(res.Segment, "rb-export-"+req.CorrelationID+"-"), res.Segment)
		assert.Equal(t, int64(len(payload)), res.Size)

		seg, err := shm.Open(res.Segment)
		require.NoError(t, err)
		got, err := io.ReadAll(seg)
		require.NoError(t, err)
		require.NoError(t, seg.Close())
		assert.Equal(t, payload, got)
	})

	t.Run("same request twice while first is unread", func(t *testing.T) {
		req := codec.NewReportRequest("export.rpt")
		params := protocol.ExportParams{Request: req, Options: codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream}}
		first, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, h.client, protocol.MethodExport, params)
		require.NoError(t, err)
		second, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, h.client, protocol.MethodExport, params)
		require.NoError(t, err)
		assert.NotEqual(t, first.Segment, second.Segment)

		for _, name := range []string{first.Segment, second.Segment} {
			seg, err := shm.Open(name)
			require.NoError(t, err)
			got, err := io.ReadAll(seg)
			require.NoError(t, err)
			require.NoError(t, seg.Close())
			assert.Equal(t, payload, got)
		}
	})

	t.Run("file", func(t *testing.T) {
		res, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, h.client, protocol.MethodExport,
			protocol.ExportParams{Request: codec.NewReportRequest("x"), Options: codec.ExportOptions{Format: "xlsx", Destination: codec.ExportToFile, Path: "/tmp/out.xlsx"}})
		require.NoError(t, err)
		assert.Empty(t, res.Segment)
		r.mu.Lock()
		assert.Equal(t, "/tmp/out.xlsx", r.exported)
		r.mu.Unlock()
	})

	t.Run("unknown destination", func(t *testing.T) {
		_, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, h.client, protocol.MethodExport,
			protocol.ExportParams{Request: codec.NewReportRequest("x"), Options: codec.ExportOptions{Destination: "fax"}})
		var fault *rpc.RemoteFault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, FaultRenderError, fault.Kind)
		assert.Contains(t, fault.Message, "fax")
	})
}

func TestPrintAndFaults(t *testing.T) {
	r := &fakeRenderer{}
	h := startSession(t, r)
	ctx := context.Background()

	opts := codec.PrintOptions{PrinterName: "HP", Copies: 2}
	require.NoError(t, rpc.CallVoid(ctx, h.client, protocol.MethodPrint,
		protocol.PrintParams{Request: codec.NewReportRequest("p.rpt"), Options: opts}))
	r.mu.Lock()
	assert.Equal(t, opts, r.printed)
	r.printErr = kindError{}
	r.mu.Unlock()

	t.Run("classified error", func(t *testing.T) {
		err := rpc.CallVoid(ctx, h.client, protocol.MethodPrint,
			protocol.PrintParams{Request: codec.NewReportRequest("p.rpt"), Options: opts})
		var fault *rpc.RemoteFault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, "PrinterError", fault.Kind)
		assert.Equal(t, "Offline", fault.SubKind)
		assert.Equal(t, "printer offline", fault.Message)
	})

	t.Run("plain error", func(t *testing.T) {
		r.mu.Lock()
		r.buildErr = errors.New("report file not found")
		r.mu.Unlock()
		err := rpc.CallVoid(ctx, h.client, protocol.MethodPrint,
			protocol.PrintParams{Request: codec.NewReportRequest("missing.rpt")})
		var fault *rpc.RemoteFault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, FaultRenderError, fault.Kind)
		assert.Equal(t, "*errors.errorString", fault.SubKind)
		assert.Equal(t, "report file not found", fault.Message)
	})

	t.Run("missing request", func(t *testing.T) {
		err := rpc.CallVoid(ctx, h.client, protocol.MethodPrint, protocol.PrintParams{})
		assert.ErrorIs(t, err, codec.ErrMalformedPayload)
	})

	for _, d := range r.allDocs() {
		assert.True(t, d.isClosed())
	}
}

func TestRunReturnsWhenHostCloses(t *testing.T) {
	h := startSession(t, &fakeRenderer{})
	require.NoError(t, h.client.Close())
	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
		h.runErr <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSegmentName(t *testing.T) {
	assert.Equal(t, "rb-export-a_b-r1", SegmentName("a/b", "r1"))
	assert.NotEqual(t, SegmentName("c", "r1"), SegmentName("c", "r2"))

	minted := SegmentName("c", "")
	assert.True(t, strings.HasPrefix(minted, "rb-export-c-"))
	assert.NotEqual(t, minted, SegmentName("c", ""))
}
