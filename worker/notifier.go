// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
)

// notifyTimeout bounds one callback call to the host.
const notifyTimeout = 10 * time.Second

type notification struct {
	method        protocol.Method
	correlationID string
	geometry      codec.SurfaceGeometry
}

// notifier queues surface notifications and sends them to the host from its
// own goroutine, so the UI thread never waits on the callback channel.
type notifier struct {
	client *rpc.Client
	logger *slog.Logger

	mu     sync.Mutex
	queue  []notification
	wake   chan struct{}
	closed bool
}

func newNotifier(client *rpc.Client, logger *slog.Logger) *notifier {
	return &notifier{client: client, logger: logger, wake: make(chan struct{}, 1)}
}

func (n *notifier) push(m notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Debug("dropping notification after shutdown", "method", m.method, "correlation_id", m.correlationID)
		return
	}
	n.queue = append(n.queue, m)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// run sends queued notifications until ctx ends, then flushes what is left.
func (n *notifier) run(ctx context.Context) error {
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-ctx.Done():
			n.mu.Lock()
			n.closed = true
			n.mu.Unlock()
			n.drain()
			return nil
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		m := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.send(m)
	}
}

func (n *notifier) send(m notification) {
	if !n.client.Connected() {
		n.logger.Warn("callback channel closed, dropping notification", "method", m.method, "correlation_id", m.correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	var routed bool
	var err error
	switch m.method {
	case protocol.MethodSurfaceLoaded:
		routed, err = rpc.Call[protocol.SurfaceLoadedParams, bool](ctx, n.client, m.method,
			protocol.SurfaceLoadedParams{CorrelationID: m.correlationID})
	case protocol.MethodSurfaceClosed:
		routed, err = rpc.Call[protocol.SurfaceClosedParams, bool](ctx, n.client, m.method,
			protocol.SurfaceClosedParams{CorrelationID: m.correlationID, Geometry: m.geometry})
	}
	if err != nil {
		n.logger.Warn("notification failed", "method", m.method, "correlation_id", m.correlationID, "err", err)
		return
	}
	if !routed {
		n.logger.Debug("host had no pending continuation", "method", m.method, "correlation_id", m.correlationID)
	}
}

// surfaceObserver is handed to the Renderer for one request.
type surfaceObserver struct {
	correlationID string
	n             *notifier
	onClosed      func()
	once          sync.Once
}

func (o *surfaceObserver) Loaded() {
	o.n.push(notification{method: protocol.MethodSurfaceLoaded, correlationID: o.correlationID})
}

func (o *surfaceObserver) Closed(geometry codec.SurfaceGeometry) {
	o.n.push(notification{method: protocol.MethodSurfaceClosed, correlationID: o.correlationID, geometry: geometry})
	if o.onClosed != nil {
		o.once.Do(o.onClosed)
	}
}
