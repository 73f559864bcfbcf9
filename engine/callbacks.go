// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/Query-farm/reportbridge/callback"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
)

// Callback channel handlers. An unknown or already resolved correlation id
// is not an error: the notification is reported as not routed.

func (e *Engine) onSurfaceLoaded(ctx context.Context, _ *rpc.CallContext, p protocol.SurfaceLoadedParams) (bool, error) {
	routed := e.loadedReg.TryInvoke(p.CorrelationID, struct{}{})
	e.notify(ctx, protocol.MethodSurfaceLoaded, callback.Event{
		Kind:          callback.EventSurfaceLoaded,
		CorrelationID: p.CorrelationID,
		Routed:        routed,
	})
	return routed, nil
}

func (e *Engine) onSurfaceClosed(ctx context.Context, _ *rpc.CallContext, p protocol.SurfaceClosedParams) (bool, error) {
	routed := e.closedReg.TryInvoke(p.CorrelationID, p.Geometry)
	e.notify(ctx, protocol.MethodSurfaceClosed, callback.Event{
		Kind:          callback.EventSurfaceClosed,
		CorrelationID: p.CorrelationID,
		Geometry:      p.Geometry,
		Routed:        routed,
	})
	return routed, nil
}

func (e *Engine) notify(ctx context.Context, op protocol.Method, ev callback.Event) {
	e.metrics.callback(op, ev.Routed)
	if !ev.Routed {
		e.logger.Debug("notification not routed", "operation", op, "correlation_id", ev.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("subscriber did not take notification", "operation", op,
			"correlation_id", ev.CorrelationID, "err", err)
	}
}
