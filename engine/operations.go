// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Query-farm/reportbridge/callback"
	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/shm"
)

// call validates req, starts the worker if needed and runs fn with the
// primary client while holding the operation slot.
func (e *Engine) call(ctx context.Context, op protocol.Method, req *codec.ReportRequest,
	fn func(context.Context, *rpc.Client) error) (err error) {

	if req == nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidRequest)
	}
	if err := ValidateConnection(req.Connection); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	start := time.Now()
	defer func() { e.metrics.observeCall(op, start, err) }()

	select {
	case e.opSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case <-e.life.Done():
		return fmt.Errorf("%s: %w", op, ErrEngineDisposed)
	}
	defer func() { <-e.opSem }()

	client, err := e.ensureReady(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(ctx, client)
	var fault *rpc.RemoteFault
	if errors.As(err, &fault) {
		e.logger.Debug("remote fault", "operation", op, "kind", fault.Kind, "sub_kind", fault.SubKind,
			"correlation_id", req.CorrelationID)
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

// RenderOrDisplay shows req in a non-modal viewer and returns once it is
// shown. owner is optional.
func (e *Engine) RenderOrDisplay(ctx context.Context, req *codec.ReportRequest, viewer codec.ViewerOptions,
	owner *codec.WindowHandle) (*Surface, error) {

	var surface *Surface
	err := e.call(ctx, protocol.MethodRenderOrDisplay, req, func(ctx context.Context, c *rpc.Client) error {
		s, err := e.track(req.CorrelationID)
		if err != nil {
			return err
		}
		id, err := rpc.Call[protocol.RenderParams, string](ctx, c, protocol.MethodRenderOrDisplay,
			protocol.RenderParams{Request: req, Viewer: viewer, Owner: owner})
		if err != nil {
			e.untrack(s)
			return err
		}
		if id != req.CorrelationID {
			e.logger.Warn("worker answered with another correlation id", "want", req.CorrelationID, "got", id)
		}
		surface = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return surface, nil
}

// RenderOrDisplayModal shows req in a modal viewer owned by owner and returns
// when the viewer closes.
func (e *Engine) RenderOrDisplayModal(ctx context.Context, req *codec.ReportRequest, viewer codec.ViewerOptions,
	owner codec.WindowHandle) (codec.ModalResult, error) {

	var result codec.ModalResult
	err := e.call(ctx, protocol.MethodRenderOrDisplayModal, req, func(ctx context.Context, c *rpc.Client) error {
		var err error
		result, err = rpc.Call[protocol.ModalParams, codec.ModalResult](ctx, c, protocol.MethodRenderOrDisplayModal,
			protocol.ModalParams{Request: req, Viewer: viewer, Owner: owner})
		return err
	})
	return result, err
}

// Export renders req in opts.Format. For codec.ExportToFile the worker writes
// opts.Path and the returned reader is nil. For codec.ExportToStream the
// bytes come back through shared memory; the caller must Close the reader,
// which also removes the segment.
func (e *Engine) Export(ctx context.Context, req *codec.ReportRequest, opts codec.ExportOptions) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := e.call(ctx, protocol.MethodExport, req, func(ctx context.Context, c *rpc.Client) error {
		res, err := rpc.Call[protocol.ExportParams, protocol.ExportResult](ctx, c, protocol.MethodExport,
			protocol.ExportParams{Request: req, Options: opts})
		if err != nil {
			return err
		}
		if opts.Destination != codec.ExportToStream {
			return nil
		}
		if res.Segment == "" {
			return fmt.Errorf("%s: %w: stream export returned no segment", protocol.MethodExport, codec.ErrMalformedPayload)
		}
		r, err := shm.Open(res.Segment)
		if err != nil {
			return fmt.Errorf("%s: opening export segment: %w", protocol.MethodExport, err)
		}
		e.logger.Debug("export received", "segment", res.Segment, "size", res.Size, "compressed", r.Compressed())
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Print sends req to a printer.
func (e *Engine) Print(ctx context.Context, req *codec.ReportRequest, opts codec.PrintOptions) error {
	return e.call(ctx, protocol.MethodPrint, req, func(ctx context.Context, c *rpc.Client) error {
		return rpc.CallVoid(ctx, c, protocol.MethodPrint, protocol.PrintParams{Request: req, Options: opts})
	})
}

// track registers the continuations of a new surface before its request is
// sent; the worker's notifications may overtake the response.
func (e *Engine) track(id string) (*Surface, error) {
	s := newSurface(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.disposing() {
		return nil, ErrEngineDisposed
	}
	if _, ok := e.surfaces[id]; ok {
		return nil, fmt.Errorf("surface %s: %w", id, callback.ErrDuplicateID)
	}
	if err := e.loadedReg.Register(id, func(struct{}) { s.markLoaded() }); err != nil {
		return nil, err
	}
	err := e.closedReg.Register(id, func(g codec.SurfaceGeometry) {
		e.loadedReg.Remove(id)
		e.forget(id)
		s.markClosed(g)
	})
	if err != nil {
		e.loadedReg.Remove(id)
		return nil, err
	}
	e.surfaces[id] = s
	return s, nil
}

// untrack drops a surface whose request failed.
func (e *Engine) untrack(s *Surface) {
	e.loadedReg.Remove(s.CorrelationID)
	e.closedReg.Remove(s.CorrelationID)
	e.forget(s.CorrelationID)
	s.abandon()
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.surfaces, id)
}
