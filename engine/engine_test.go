// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/reportbridge/callback"
	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/conformance"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/worker"
)

// The test binary doubles as the worker: New spawns os.Executable() with
// workerModeEnv set and TestMain turns into the requested worker.
const workerModeEnv = "REPORTBRIDGE_TEST_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(workerModeEnv) {
	case "":
	case "conformance":
		r := conformance.NewRenderer(os.Getenv(conformance.RecordFileEnv))
		os.Exit(worker.Execute(context.Background(), r, os.Args[1:], os.Stderr))
	case "silent":
		time.Sleep(time.Hour)
		os.Exit(0)
	case "exit":
		os.Exit(7)
	default:
		os.Exit(99)
	}
	os.Exit(m.Run())
}

type harness struct {
	engine  *Engine
	records string
	reg     *prometheus.Registry
}

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rbe")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func newHarness(t *testing.T, mode string, mutate ...func(*Config)) *harness {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	records := filepath.Join(t.TempDir(), "records.jsonl")
	cfg := Config{
		WorkerPath: exe,
		WorkerEnv: []string{
			workerModeEnv + "=" + mode,
			conformance.RecordFileEnv + "=" + records,
		},
		SocketDir:        socketDir(t),
		HandshakeTimeout: 15 * time.Second,
		CloseGrace:       5 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	reg := prometheus.NewRegistry()
	e, err := New(cfg, WithMetricsRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return &harness{engine: e, records: records, reg: reg}
}

func (h *harness) readRecords(t *testing.T) []conformance.Record {
	t.Helper()
	recs, err := conformance.ReadRecords(h.records)
	require.NoError(t, err)
	return recs
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRequiresWorkerPath(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestInvalidConnectionFailsBeforeSpawn(t *testing.T) {
	h := newHarness(t, "conformance")
	req := codec.NewReportRequest("reports/sales.rpt")
	pw := "secret"
	req.Connection = &codec.ConnectionInfo{Server: "db01", Database: "sales", Password: &pw}

	err := h.engine.Print(testContext(t), req, codec.PrintOptions{Copies: 1})
	require.ErrorIs(t, err, ErrInvalidConnectionConfig)

	assert.Equal(t, StateUninitialized, h.engine.State())
	assert.Nil(t, h.engine.Worker())
	assert.Empty(t, h.engine.sup.Processes())
	assert.Empty(t, h.readRecords(t))
}

func TestMissingExecutableFails(t *testing.T) {
	h := newHarness(t, "conformance", func(c *Config) {
		c.WorkerPath = filepath.Join(t.TempDir(), "no-such-worker")
	})
	req := codec.NewReportRequest("reports/sales.rpt")

	err := h.engine.Print(testContext(t), req, codec.PrintOptions{})
	require.ErrorIs(t, err, ErrWorkerUnavailable)
	var wu *WorkerUnavailableError
	require.ErrorAs(t, err, &wu)
	assert.Equal(t, ReasonExecutableNotFound, wu.Reason)
	assert.Equal(t, StateFailed, h.engine.State())
	assert.False(t, h.engine.IsAvailable())

	// Failed is terminal: the next call gets the same failure.
	err = h.engine.Print(testContext(t), req, codec.PrintOptions{})
	require.ErrorAs(t, err, &wu)
	assert.Equal(t, ReasonExecutableNotFound, wu.Reason)
	assert.Equal(t, float64(1), counterValue(t, h.reg, "reportbridge_engine_worker_spawns_total",
		map[string]string{"result": "not_found"}))
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, "silent", func(c *Config) { c.HandshakeTimeout = 300 * time.Millisecond })

	err := h.engine.Print(testContext(t), codec.NewReportRequest("r"), codec.PrintOptions{})
	var wu *WorkerUnavailableError
	require.ErrorAs(t, err, &wu)
	assert.Equal(t, ReasonHandshakeTimeout, wu.Reason)
	assert.Equal(t, StateFailed, h.engine.State())

	procs := h.engine.sup.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Exited(), "failed start must not leave the worker running")
}

func TestHandshakeCanceled(t *testing.T) {
	h := newHarness(t, "silent")
	ctx, cancel := context.WithCancel(testContext(t))
	time.AfterFunc(200*time.Millisecond, cancel)

	err := h.engine.Print(ctx, codec.NewReportRequest("r"), codec.PrintOptions{})
	var wu *WorkerUnavailableError
	require.ErrorAs(t, err, &wu)
	assert.Equal(t, ReasonCanceled, wu.Reason)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerExitDuringHandshake(t *testing.T) {
	h := newHarness(t, "exit")

	err := h.engine.Print(testContext(t), codec.NewReportRequest("r"), codec.PrintOptions{})
	var wu *WorkerUnavailableError
	require.ErrorAs(t, err, &wu)
	assert.Equal(t, ReasonFailed, wu.Reason)
	assert.Contains(t, err.Error(), "exited with code 7")
}

func TestRenderOrDisplayEndToEnd(t *testing.T) {
	h := newHarness(t, "conformance")
	ctx := testContext(t)

	req := codec.NewReportRequest("reports/sales.rpt")
	req.Title = "Sales"
	req.Parameters["region"] = "EMEA"
	req.Parameters["year"] = int64(2024)
	geom := codec.SurfaceGeometry{X: 10, Y: 20, Width: 800, Height: 600, State: codec.WindowMaximized}

	surface, err := h.engine.RenderOrDisplay(ctx, req, codec.ViewerOptions{Title: "Sales", Geometry: geom}, nil)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, surface.CorrelationID)
	assert.True(t, h.engine.IsAvailable())
	assert.Equal(t, StateReady, h.engine.State())

	select {
	case <-surface.Loaded():
	case <-ctx.Done():
		t.Fatal("surface never loaded")
	}
	select {
	case got, ok := <-surface.Closed():
		require.True(t, ok)
		assert.Equal(t, geom, got)
	case <-ctx.Done():
		t.Fatal("surface never closed")
	}

	builds := conformance.Filter(h.readRecords(t), conformance.OpBuild)
	require.Len(t, builds, 1)
	params, err := builds[0].DecodeParameters()
	require.NoError(t, err)
	assert.Equal(t, codec.Parameters{"region": "EMEA", "year": int64(2024)}, params)
	assert.Equal(t, req.CorrelationID, builds[0].CorrelationID)

	assert.Equal(t, float64(1), counterValue(t, h.reg, "reportbridge_engine_calls_total",
		map[string]string{"operation": "render_or_display", "status": "ok"}))
	// The counter is bumped after the continuation runs.
	assert.Eventually(t, func() bool {
		return counterValue(t, h.reg, "reportbridge_engine_callbacks_total",
			map[string]string{"operation": "surface_closed", "routed": "true"}) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRenderOrDisplayWithOwner(t *testing.T) {
	h := newHarness(t, "conformance")
	req := codec.NewReportRequest("reports/owned.rpt")
	owner := codec.WindowHandle(0x1234)

	_, err := h.engine.RenderOrDisplay(testContext(t), req, codec.ViewerOptions{}, owner.Ptr())
	require.NoError(t, err)

	presents := conformance.Filter(h.readRecords(t), conformance.OpPresent)
	require.Len(t, presents, 1)
	require.NotNil(t, presents[0].Owner)
	assert.Equal(t, owner, *presents[0].Owner)
}

func TestSubscribeSeesNotifications(t *testing.T) {
	h := newHarness(t, "conformance")
	sub := h.engine.Subscribe(4)
	defer sub.Close()

	req := codec.NewReportRequest("reports/sales.rpt")
	_, err := h.engine.RenderOrDisplay(testContext(t), req, codec.ViewerOptions{}, nil)
	require.NoError(t, err)

	var kinds []callback.EventKind
	timeout := time.After(10 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C():
			assert.Equal(t, req.CorrelationID, ev.CorrelationID)
			assert.True(t, ev.Routed)
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("got %v", kinds)
		}
	}
	assert.Equal(t, []callback.EventKind{callback.EventSurfaceLoaded, callback.EventSurfaceClosed}, kinds)
}

func TestOpenSurfaceIsAbandonedOnClose(t *testing.T) {
	h := newHarness(t, "conformance")
	surface, err := h.engine.RenderOrDisplay(testContext(t), codec.NewReportRequest("open:viewer"), codec.ViewerOptions{}, nil)
	require.NoError(t, err)
	<-surface.Loaded()

	require.NoError(t, h.engine.Close(context.Background()))
	_, ok := <-surface.Closed()
	assert.False(t, ok)
}

func TestRenderOrDisplayModal(t *testing.T) {
	h := newHarness(t, "conformance")
	req := codec.NewReportRequest("reports/invoice.rpt")
	geom := codec.SurfaceGeometry{Width: 640, Height: 480, State: codec.WindowNormal}

	res, err := h.engine.RenderOrDisplayModal(testContext(t), req, codec.ViewerOptions{Geometry: geom}, codec.WindowHandle(-42))
	require.NoError(t, err)
	assert.Equal(t, codec.DialogOK, res.Result)
	assert.Equal(t, geom, res.Geometry)

	modals := conformance.Filter(h.readRecords(t), conformance.OpPresentModal)
	require.Len(t, modals, 1)
	assert.Equal(t, codec.WindowHandle(-42), *modals[0].Owner)
}

func TestExportToStream(t *testing.T) {
	for _, compress := range []bool{false, true} {
		h := newHarness(t, "conformance", func(c *Config) { c.CompressExports = compress })
		req := codec.NewReportRequest("reports/sales.rpt")
		req.Parameters["year"] = int64(2024)

		r, err := h.engine.Export(testContext(t), req, codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream})
		require.NoError(t, err)
		require.NotNil(t, r)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, conformance.Render(req, "pdf"), data, "compress=%v", compress)
	}
}

func TestExportSameRequestTwice(t *testing.T) {
	h := newHarness(t, "conformance")
	req := codec.NewReportRequest("reports/sales.rpt")
	opts := codec.ExportOptions{Format: "pdf", Destination: codec.ExportToStream}

	first, err := h.engine.Export(testContext(t), req, opts)
	require.NoError(t, err)
	defer first.Close()

	second, err := h.engine.Export(testContext(t), req, opts)
	require.NoError(t, err)
	defer second.Close()

	for _, r := range []io.Reader{first, second} {
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, conformance.Render(req, "pdf"), data)
	}
}

func TestExportToFile(t *testing.T) {
	h := newHarness(t, "conformance")
	req := codec.NewReportRequest("reports/sales.rpt")
	path := filepath.Join(t.TempDir(), "sales.pdf")

	r, err := h.engine.Export(testContext(t), req, codec.ExportOptions{Format: "pdf", Destination: codec.ExportToFile, Path: path})
	require.NoError(t, err)
	assert.Nil(t, r)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, conformance.Render(req, "pdf"), data)
}

func TestRemoteFaultPropagates(t *testing.T) {
	h := newHarness(t, "conformance")
	ctx := testContext(t)

	err := h.engine.Print(ctx, codec.NewReportRequest("fail:DatabaseError:Login"), codec.PrintOptions{})
	require.ErrorIs(t, err, rpc.ErrRemoteFault)
	var fault *rpc.RemoteFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "DatabaseError", fault.Kind)
	assert.Equal(t, "Login", fault.SubKind)
	assert.Contains(t, err.Error(), "print")

	// A fault does not end the session.
	assert.True(t, h.engine.IsAvailable())
	require.NoError(t, h.engine.Print(ctx, codec.NewReportRequest("reports/sales.rpt"), codec.PrintOptions{Copies: 2}))
	assert.Equal(t, float64(1), counterValue(t, h.reg, "reportbridge_engine_calls_total",
		map[string]string{"operation": "print", "status": "fault"}))
}

func TestCloseKillsUnresponsiveWorker(t *testing.T) {
	grace := 300 * time.Millisecond
	h := newHarness(t, "conformance", func(c *Config) { c.CloseGrace = grace })

	ctx, cancel := context.WithCancel(testContext(t))
	errc := make(chan error, 1)
	go func() {
		errc <- h.engine.Print(ctx, codec.NewReportRequest("hang:forever"), codec.PrintOptions{})
	}()
	require.Eventually(t, func() bool {
		recs, err := conformance.ReadRecords(h.records)
		return err == nil && len(conformance.Filter(recs, conformance.OpBuild)) == 1
	}, 15*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	proc := h.engine.Worker()
	require.NotNil(t, proc)
	started := time.Now()
	_ = h.engine.Close(context.Background())
	elapsed := time.Since(started)

	assert.True(t, proc.Exited())
	assert.Less(t, elapsed, grace+reapTimeout+time.Second)
	assert.Equal(t, StateClosed, h.engine.State())
}

func TestGracefulCloseLetsWorkerExit(t *testing.T) {
	h := newHarness(t, "conformance", func(c *Config) { c.CloseGrace = 15 * time.Second })
	require.NoError(t, h.engine.Print(testContext(t), codec.NewReportRequest("reports/sales.rpt"), codec.PrintOptions{}))

	proc := h.engine.Worker()
	require.NoError(t, h.engine.Close(context.Background()))
	assert.True(t, proc.Exited())
	assert.Equal(t, 0, proc.ExitCode())
}

func TestCallsAfterCloseFail(t *testing.T) {
	h := newHarness(t, "conformance")
	require.NoError(t, h.engine.Close(context.Background()))
	require.NoError(t, h.engine.Close(context.Background()))

	_, err := h.engine.RenderOrDisplay(testContext(t), codec.NewReportRequest("r"), codec.ViewerOptions{}, nil)
	assert.ErrorIs(t, err, ErrEngineDisposed)
	err = h.engine.Print(testContext(t), codec.NewReportRequest("r"), codec.PrintOptions{})
	assert.ErrorIs(t, err, ErrEngineDisposed)
	assert.Equal(t, StateClosed, h.engine.State())
}

func TestWorkerDeathMakesEngineUnavailable(t *testing.T) {
	h := newHarness(t, "conformance")
	ctx := testContext(t)
	require.NoError(t, h.engine.Print(ctx, codec.NewReportRequest("reports/sales.rpt"), codec.PrintOptions{}))
	require.True(t, h.engine.IsAvailable())

	require.NoError(t, h.engine.Worker().Kill())
	require.Eventually(t, func() bool { return !h.engine.IsAvailable() }, 10*time.Second, 10*time.Millisecond)

	err := h.engine.Print(ctx, codec.NewReportRequest("reports/sales.rpt"), codec.PrintOptions{})
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)
}

func TestCorrelationIDIsMinted(t *testing.T) {
	h := newHarness(t, "conformance")
	req := &codec.ReportRequest{ReportRef: "reports/sales.rpt", Parameters: codec.Parameters{}}
	require.NoError(t, h.engine.Print(testContext(t), req, codec.PrintOptions{}))
	assert.NotEmpty(t, req.CorrelationID)
}

func TestNilRequestRejected(t *testing.T) {
	h := newHarness(t, "conformance")
	err := h.engine.Print(testContext(t), nil, codec.PrintOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, StateUninitialized, h.engine.State())
}

func TestValidateConnection(t *testing.T) {
	pw := ""
	tests := []struct {
		name string
		conn *codec.ConnectionInfo
		ok   bool
	}{
		{"nil", nil, true},
		{"integrated", &codec.ConnectionInfo{Server: "s", Database: "d", IntegratedSecurity: true}, true},
		{"sql login", &codec.ConnectionInfo{Server: "s", Database: "d", Username: "u", Password: &pw}, true},
		{"no server", &codec.ConnectionInfo{Database: "d", IntegratedSecurity: true}, false},
		{"no database", &codec.ConnectionInfo{Server: "s", IntegratedSecurity: true}, false},
		{"no username", &codec.ConnectionInfo{Server: "s", Database: "d", Password: &pw}, false},
		{"nil password", &codec.ConnectionInfo{Server: "s", Database: "d", Username: "u"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConnection(tt.conn)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidConnectionConfig), "got %v", err)
		})
	}
}
