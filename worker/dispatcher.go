// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package worker is the process side of reportbridge: it connects to the
// host's channels, serves the primary operations by delegating to a
// [Renderer] on a dedicated UI thread, and pushes surface notifications back
// over the callback channel.
//
// A worker binary is usually just:
//
//	func main() {
//		worker.Main(myRenderer{})
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/shm"
)

// ServiceName identifies the worker in handshakes and traces.
const ServiceName = "reportbridge-worker"

// Dispatcher serves one host session.
type Dispatcher struct {
	cfg      Config
	renderer Renderer
	ui       *UIThread
	server   *rpc.Server
	logger   *slog.Logger
	notifier *notifier

	mu   sync.Mutex
	open map[string]Document
}

// New validates cfg and registers every primary operation.
func New(cfg Config, renderer Renderer) (*Dispatcher, error) {
	if renderer == nil {
		return nil, errors.New("worker: nil renderer")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:      cfg,
		renderer: renderer,
		logger:   cfg.Logger,
		open:     make(map[string]Document),
	}
	d.server = rpc.NewServer()
	d.server.SetServerID(fmt.Sprintf("worker-%d", os.Getpid()))
	d.server.SetServiceName(ServiceName)
	d.server.SetFaultMapper(mapFault)
	d.server.SetDebugFaults(cfg.DebugFaults)
	d.server.SetLogger(cfg.Logger)
	if cfg.DispatchHook != nil {
		d.server.SetDispatchHook(cfg.DispatchHook)
	}

	rpc.Unary(d.server, protocol.MethodRenderOrDisplay, d.renderOrDisplay)
	rpc.Unary(d.server, protocol.MethodRenderOrDisplayModal, d.renderOrDisplayModal)
	rpc.Unary(d.server, protocol.MethodExport, d.export)
	rpc.UnaryVoid(d.server, protocol.MethodPrint, d.print)

	if missing := protocol.Missing(protocol.PrimaryOperations, d.server.Methods()); len(missing) > 0 {
		return nil, fmt.Errorf("worker: operations not registered: %v", missing)
	}
	return d, nil
}

// Operations returns the registered operation set.
func (d *Dispatcher) Operations() []protocol.Method {
	return d.server.Methods()
}

// Run connects both channels and serves the host until it closes the primary
// channel (nil) or ctx ends. Run may only be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.ui = NewUIThread()
	defer d.ui.Stop()

	ln, err := rpc.Listen(d.cfg.SocketDir, d.cfg.CallbackChannel)
	if err != nil {
		return err
	}
	defer ln.Close()

	connectCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	primary, err := rpc.Dial(connectCtx, d.cfg.SocketDir, d.cfg.PrimaryChannel)
	if err != nil {
		return err
	}
	defer primary.Close()

	cbConn, err := ln.Accept(connectCtx)
	if err != nil {
		return err
	}
	client := rpc.NewClient(cbConn, rpc.WithClientLogger(d.logger), rpc.WithLogLevel(d.cfg.LogLevel))
	defer client.Close()

	if err := checkHost(connectCtx, client); err != nil {
		return err
	}
	d.logger.Info("connected to host", "primary", d.cfg.PrimaryChannel, "callback", d.cfg.CallbackChannel)

	d.notifier = newNotifier(client, d.logger)
	notifyCtx, stopNotifier := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopNotifier()
		return d.server.Serve(gctx, primary)
	})
	g.Go(func() error {
		return d.notifier.run(notifyCtx)
	})
	err = g.Wait()

	d.closeOpenDocuments()
	d.logger.Info("host session ended", "err", err)
	return err
}

// checkHost runs the handshake on the callback channel.
func checkHost(ctx context.Context, client *rpc.Client) error {
	desc, err := client.Describe(ctx)
	if err != nil {
		return fmt.Errorf("callback handshake: %w", err)
	}
	if missing := protocol.Missing(protocol.CallbackOperations, desc.Methods()); len(missing) > 0 {
		return fmt.Errorf("callback handshake: host does not serve %v", missing)
	}
	return nil
}

// onUI runs fn on the UI thread and returns its error.
func (d *Dispatcher) onUI(ctx context.Context, fn func() error) error {
	var err error
	if uiErr := d.ui.Do(ctx, func() { err = fn() }); uiErr != nil {
		return uiErr
	}
	return err
}

// withDocument builds the request's document on the UI thread, runs fn with
// it and closes it.
func (d *Dispatcher) withDocument(ctx context.Context, req *codec.ReportRequest, fn func(Document) error) error {
	return d.onUI(ctx, func() error {
		doc, err := d.renderer.BuildDocument(ctx, req)
		if err != nil {
			return err
		}
		defer d.closeDocument(req.CorrelationID, doc)
		return fn(doc)
	})
}

func (d *Dispatcher) closeDocument(correlationID string, doc Document) {
	if err := doc.Close(); err != nil {
		d.logger.Warn("closing document", "correlation_id", correlationID, "err", err)
	}
}

func requireRequest(req *codec.ReportRequest) (*codec.ReportRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: missing report request", codec.ErrMalformedPayload)
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("%w: report request has no correlation id", codec.ErrMalformedPayload)
	}
	return req, nil
}

func (d *Dispatcher) renderOrDisplay(ctx context.Context, cc *rpc.CallContext, p protocol.RenderParams) (string, error) {
	req, err := requireRequest(p.Request)
	if err != nil {
		return "", err
	}
	id := req.CorrelationID

	err = d.onUI(ctx, func() error {
		doc, err := d.renderer.BuildDocument(ctx, req)
		if err != nil {
			return err
		}
		if err := d.track(id, doc); err != nil {
			d.closeDocument(id, doc)
			return err
		}
		obs := &surfaceObserver{correlationID: id, n: d.notifier, onClosed: func() { d.release(id) }}
		if err := d.renderer.Present(ctx, doc, p.Viewer, p.Owner, obs); err != nil {
			d.release(id)
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	cc.ClientLog(rpc.LogInfo, "surface shown", rpc.KV{Key: "correlation_id", Value: id})
	return id, nil
}

func (d *Dispatcher) renderOrDisplayModal(ctx context.Context, cc *rpc.CallContext, p protocol.ModalParams) (codec.ModalResult, error) {
	req, err := requireRequest(p.Request)
	if err != nil {
		return codec.ModalResult{}, err
	}
	var result codec.ModalResult
	err = d.withDocument(ctx, req, func(doc Document) error {
		obs := &surfaceObserver{correlationID: req.CorrelationID, n: d.notifier}
		var err error
		result, err = d.renderer.PresentModal(ctx, doc, p.Viewer, p.Owner, obs)
		return err
	})
	if err != nil {
		return codec.ModalResult{}, err
	}
	cc.ClientLog(rpc.LogDebug, "modal viewer closed",
		rpc.KV{Key: "correlation_id", Value: req.CorrelationID},
		rpc.KV{Key: "result", Value: string(result.Result)})
	return result, nil
}

func (d *Dispatcher) export(ctx context.Context, cc *rpc.CallContext, p protocol.ExportParams) (protocol.ExportResult, error) {
	req, err := requireRequest(p.Request)
	if err != nil {
		return protocol.ExportResult{}, err
	}
	switch p.Options.Destination {
	case codec.ExportToFile, codec.ExportToStream:
	default:
		return protocol.ExportResult{}, fmt.Errorf("%w: %q", ErrUnsupportedDestination, p.Options.Destination)
	}

	var result protocol.ExportResult
	err = d.withDocument(ctx, req, func(doc Document) error {
		if p.Options.Destination == codec.ExportToFile {
			return d.renderer.ExportToFile(ctx, doc, p.Options)
		}
		r, err := d.renderer.ExportToStream(ctx, doc, p.Options)
		if err != nil {
			return err
		}
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		result, err = d.writeSegment(SegmentName(req.CorrelationID, cc.RequestID), r)
		return err
	})
	if err != nil {
		return protocol.ExportResult{}, err
	}
	if result.Segment != "" {
		cc.ClientLog(rpc.LogDebug, "export stored",
			rpc.KV{Key: "segment", Value: result.Segment},
			rpc.KV{Key: "size", Value: fmt.Sprint(result.Size)})
	}
	return result, nil
}

// SegmentName returns the shared memory segment used for a stream export.
// Each export call gets its own segment, so repeated exports of one request
// never collide. An empty requestID is replaced by a fresh id.
func SegmentName(correlationID, requestID string) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	clean := strings.NewReplacer("/", "_", `\`, "_")
	return "rb-export-" + clean.Replace(correlationID) + "-" + clean.Replace(requestID)
}

func (d *Dispatcher) writeSegment(name string, r io.Reader) (protocol.ExportResult, error) {
	seg, err := shm.Create(name, d.cfg.CompressExports)
	if err != nil {
		return protocol.ExportResult{}, err
	}
	if _, err := seg.ReadFrom(r); err != nil {
		return protocol.ExportResult{}, errors.Join(fmt.Errorf("writing export: %w", err), seg.Abort())
	}
	if err := seg.Close(); err != nil {
		return protocol.ExportResult{}, errors.Join(fmt.Errorf("writing export: %w", err), seg.Abort())
	}
	return protocol.ExportResult{Segment: seg.Name(), Size: seg.Written()}, nil
}

func (d *Dispatcher) print(ctx context.Context, _ *rpc.CallContext, p protocol.PrintParams) error {
	req, err := requireRequest(p.Request)
	if err != nil {
		return err
	}
	return d.withDocument(ctx, req, func(doc Document) error {
		return d.renderer.Print(ctx, doc, p.Options)
	})
}

// duplicateSurfaceError is returned when a request already has an open
// non-modal surface.
type duplicateSurfaceError struct{ id string }

func (e *duplicateSurfaceError) Error() string {
	return fmt.Sprintf("correlation id %s already has an open surface", e.id)
}

func (e *duplicateSurfaceError) FaultKind() string { return "DuplicateSurface" }

func (d *Dispatcher) track(id string, doc Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.open[id]; ok {
		return &duplicateSurfaceError{id: id}
	}
	d.open[id] = doc
	return nil
}

// release closes the document of a non-modal surface.
func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	doc, ok := d.open[id]
	delete(d.open, id)
	d.mu.Unlock()
	if ok {
		d.closeDocument(id, doc)
	}
}

// closeOpenDocuments closes documents of surfaces still open when the
// session ends.
func (d *Dispatcher) closeOpenDocuments() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.open))
	for id := range d.open {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	_ = d.ui.Do(context.Background(), func() {
		for _, id := range ids {
			d.release(id)
		}
	})
}
