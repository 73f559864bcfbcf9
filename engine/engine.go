// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package engine is the host side of reportbridge. An [Engine] owns one
// worker session: it starts the worker on the first operation, forwards
// operations over the primary channel, routes the worker's surface
// notifications arriving on the callback channel, and tears everything down
// on Close.
//
//	eng, err := engine.New(engine.Config{WorkerPath: "report-worker"})
//	if err != nil {
//		return err
//	}
//	defer eng.Close(context.Background())
//
//	surface, err := eng.RenderOrDisplay(ctx, req, codec.ViewerOptions{Title: "Sales"}, nil)
//	if err != nil {
//		return err
//	}
//	geometry := <-surface.Closed()
//
// An Engine never reconnects. Once IsAvailable reports false the caller
// closes it and creates a new one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Query-farm/reportbridge/callback"
	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
	"github.com/Query-farm/reportbridge/supervisor"
)

// HostServiceName identifies the host in callback handshakes.
const HostServiceName = "reportbridge-host"

const (
	// eventTimeout bounds delivery of one notification to bus subscribers.
	eventTimeout = 5 * time.Second
	// reapTimeout bounds the wait for a killed worker to be reaped.
	reapTimeout = 2 * time.Second
)

var errHandshakeTimeout = errors.New("handshake timed out")

// workerExitedError is the cause of a handshake cut short by the worker
// exiting.
type workerExitedError struct{ code int }

func (e *workerExitedError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.code)
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	hook       rpc.DispatchHook
}

// WithLogger sets the engine logger. Worker stderr is forwarded to it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRegisterer registers the engine metrics with reg instead of the
// default registerer. A nil reg disables registration.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDispatchHook instruments the callback channel server.
func WithDispatchHook(h rpc.DispatchHook) Option {
	return func(o *options) { o.hook = h }
}

// Engine drives one worker session. It is safe for concurrent use;
// operations are serialised so at most one is in flight.
type Engine struct {
	cfg          Config
	sessionID    string
	primaryName  string
	callbackName string
	logger       *slog.Logger
	metrics      *metrics
	sup          *supervisor.Supervisor
	cbServer     *rpc.Server
	loadedReg    *callback.Registry[struct{}]
	closedReg    *callback.Registry[codec.SurfaceGeometry]
	bus          *callback.Bus

	// life ends when Close starts and aborts a lazy start in progress.
	life     context.Context
	stopLife context.CancelFunc
	// opSem serialises operations.
	opSem  chan struct{}
	closed chan struct{}

	mu       sync.Mutex
	state    State
	failure  error
	sessionResources
	surfaces map[string]*Surface
}

// sessionResources are the per-session handles released by teardown.
type sessionResources struct {
	listener *rpc.Listener
	proc     *supervisor.Process
	primary  *rpc.Client
	cbConn   *rpc.Conn
	cbDone   chan struct{}
}

// New creates an engine. Nothing is started until the first operation.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := options{
		logger:     slog.New(slog.DiscardHandler),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("engine: registering metrics: %w", err)
	}

	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := o.logger.With("session", sessionID)

	sup, err := supervisor.New(supervisor.WithLogger(logger), supervisor.WithEnv(cfg.WorkerEnv))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	life, stopLife := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		sessionID:    sessionID,
		primaryName:  "rb-" + sessionID + "-p",
		callbackName: "rb-" + sessionID + "-c",
		logger:       logger,
		metrics:      m,
		sup:          sup,
		loadedReg:    callback.NewRegistry[struct{}](),
		closedReg:    callback.NewRegistry[codec.SurfaceGeometry](),
		bus:          callback.NewBus(),
		life:         life,
		stopLife:     stopLife,
		opSem:        make(chan struct{}, 1),
		closed:       make(chan struct{}),
		surfaces:     make(map[string]*Surface),
	}

	e.cbServer = rpc.NewServer()
	e.cbServer.SetServerID("host-" + strconv.Itoa(os.Getpid()))
	e.cbServer.SetServiceName(HostServiceName)
	e.cbServer.SetLogger(logger)
	if o.hook != nil {
		e.cbServer.SetDispatchHook(o.hook)
	}
	rpc.Unary(e.cbServer, protocol.MethodSurfaceLoaded, e.onSurfaceLoaded)
	rpc.Unary(e.cbServer, protocol.MethodSurfaceClosed, e.onSurfaceClosed)
	return e, nil
}

// SessionID returns the id embedded in this session's channel names.
func (e *Engine) SessionID() string { return e.sessionID }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsAvailable reports whether the engine is Ready and its primary channel is
// connected.
func (e *Engine) IsAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateReady && e.primary != nil && e.primary.Connected()
}

// Worker returns the session's worker process, or nil before it is spawned.
func (e *Engine) Worker() *supervisor.Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}

// Subscribe returns a subscription to every surface notification the
// worker sends, routed or not. The caller closes it.
func (e *Engine) Subscribe(buffer int) *callback.Subscription {
	return e.bus.Subscribe(buffer)
}

// attach stores a session resource unless Close has started.
func (e *Engine) attach(fn func(r *sessionResources)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.disposing() {
		return false
	}
	fn(&e.sessionResources)
	return true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.disposing() {
		e.state = s
	}
}

// ensureReady performs the lazy start on the first call. The caller holds
// opSem.
func (e *Engine) ensureReady(ctx context.Context) (*rpc.Client, error) {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		c := e.primary
		e.mu.Unlock()
		return c, nil
	case StateFailed:
		err := e.failure
		e.mu.Unlock()
		return nil, err
	case StateClosing, StateClosed:
		e.mu.Unlock()
		return nil, ErrEngineDisposed
	}
	e.state = StateSpawning
	e.mu.Unlock()

	started := time.Now()
	client, err := e.start(ctx)

	e.mu.Lock()
	if e.state.disposing() {
		e.mu.Unlock()
		return nil, ErrEngineDisposed
	}
	if err != nil {
		e.state = StateFailed
		e.failure = err
		res := e.detachLocked()
		e.mu.Unlock()

		e.logger.Error("worker start failed", "err", err)
		if terr := e.teardown(context.Background(), res, 0, false); terr != nil {
			e.logger.Warn("releasing failed session", "err", terr)
		}
		return nil, err
	}
	e.state = StateReady
	pid := e.proc.Pid()
	e.mu.Unlock()

	e.logger.Info("worker ready", "pid", pid, "elapsed", time.Since(started))
	return client, nil
}

// start spawns the worker and completes the handshake on both channels.
//
// Host and worker connect in a fixed order so neither side waits on the
// other: the host listens on primary and spawns; the worker listens on
// callback, dials primary and the host accepts; the host dials callback and
// starts serving it; each side then describes the other.
func (e *Engine) start(ctx context.Context) (*rpc.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(ctxReason(err), err)
	}
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hctx, cancelTimeout := context.WithTimeoutCause(hctx, e.cfg.HandshakeTimeout, errHandshakeTimeout)
	defer cancelTimeout()
	stopLife := context.AfterFunc(e.life, func() { cancel(ErrEngineDisposed) })
	defer stopLife()

	ln, err := rpc.Listen(e.cfg.SocketDir, e.primaryName)
	if err != nil {
		return nil, unavailable(ReasonFailed, err)
	}
	if !e.attach(func(r *sessionResources) { r.listener = ln }) {
		_ = ln.Close()
		return nil, ErrEngineDisposed
	}

	proc, err := e.sup.Spawn(e.cfg.WorkerPath, e.cfg.workerArgs(e.primaryName, e.callbackName))
	switch {
	case errors.Is(err, supervisor.ErrExecutableNotFound):
		e.metrics.spawn("not_found")
		return nil, unavailable(ReasonExecutableNotFound, err)
	case errors.Is(err, supervisor.ErrDisposed):
		return nil, ErrEngineDisposed
	case err != nil:
		e.metrics.spawn("error")
		return nil, unavailable(ReasonFailed, err)
	}
	if !e.attach(func(r *sessionResources) { r.proc = proc }) {
		return nil, ErrEngineDisposed
	}
	go func() {
		select {
		case <-proc.Done():
			cancel(&workerExitedError{code: proc.ExitCode()})
		case <-hctx.Done():
		}
	}()

	e.setState(StateAwaitingHandshake)
	conn, err := ln.Accept(hctx)
	if err != nil {
		return nil, e.handshakeFailure(hctx, "waiting for worker", err)
	}
	_ = ln.Close()
	client := rpc.NewClient(conn,
		rpc.WithClientLogger(e.logger),
		rpc.WithLogLevel(rpc.ParseLogLevel(e.cfg.LogLevel)))
	if !e.attach(func(r *sessionResources) { r.primary = client }) {
		_ = client.Close()
		return nil, ErrEngineDisposed
	}

	cbConn, err := rpc.Dial(hctx, e.cfg.SocketDir, e.callbackName)
	if err != nil {
		return nil, e.handshakeFailure(hctx, "connecting callback channel", err)
	}
	done := make(chan struct{})
	if !e.attach(func(r *sessionResources) { r.cbConn, r.cbDone = cbConn, done }) {
		_ = cbConn.Close()
		return nil, ErrEngineDisposed
	}
	go e.serveCallbacks(cbConn, done)

	desc, err := client.Describe(hctx)
	if err != nil {
		return nil, e.handshakeFailure(hctx, "primary handshake", err)
	}
	if missing := protocol.Missing(protocol.PrimaryOperations, desc.Methods()); len(missing) > 0 {
		e.metrics.spawn("handshake_failed")
		return nil, unavailable(ReasonFailed, fmt.Errorf("worker %s does not serve %v", desc.ServerID, missing))
	}

	e.metrics.spawn("ok")
	go e.watch(proc, client)
	return client, nil
}

// handshakeFailure classifies an error from the connection phase by what
// ended it.
func (e *Engine) handshakeFailure(hctx context.Context, step string, err error) error {
	cause := context.Cause(hctx)
	if errors.Is(cause, ErrEngineDisposed) {
		return ErrEngineDisposed
	}
	e.metrics.spawn("handshake_failed")

	var exited *workerExitedError
	switch {
	case errors.As(cause, &exited):
		return unavailable(ReasonFailed, fmt.Errorf("%s: %w", step, exited))
	case errors.Is(cause, errHandshakeTimeout):
		return unavailable(ReasonHandshakeTimeout,
			fmt.Errorf("%s: no handshake within %s: %w", step, e.cfg.HandshakeTimeout, err))
	case cause != nil:
		return unavailable(ctxReason(cause), fmt.Errorf("%s: %w", step, err))
	}
	return unavailable(ReasonFailed, fmt.Errorf("%s: %w", step, err))
}

func ctxReason(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonHandshakeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return ReasonFailed
}

// watch closes the primary client when the worker exits so IsAvailable
// turns false.
func (e *Engine) watch(proc *supervisor.Process, client *rpc.Client) {
	select {
	case <-proc.Done():
		e.logger.Warn("worker exited", "pid", proc.Pid(), "exit_code", proc.ExitCode())
		_ = client.Close()
	case <-client.Done():
	}
}

func (e *Engine) serveCallbacks(conn *rpc.Conn, done chan struct{}) {
	defer close(done)
	if err := e.cbServer.Serve(context.Background(), conn); err != nil {
		e.logger.Warn("callback channel stopped", "err", err)
	}
}

// Close ends the session: the primary channel is closed first, the worker
// gets CloseGrace to exit on its own, the supervisor then kills whatever is
// left, and finally the callback channel is closed. Every step runs even if
// an earlier one fails. Later calls wait for the first to finish.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.state.disposing() {
		e.mu.Unlock()
		select {
		case <-e.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.state = StateClosing
	res := e.detachLocked()
	e.mu.Unlock()

	e.stopLife()
	e.logger.Info("closing engine")
	err := e.teardown(ctx, res, e.cfg.CloseGrace, true)

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()
	close(e.closed)
	return err
}

// detachLocked takes the session resources out of the engine. The caller
// holds mu.
func (e *Engine) detachLocked() sessionResources {
	res := e.sessionResources
	e.sessionResources = sessionResources{}
	return res
}

// teardown releases a session's resources in shutdown order. With final set
// it also ends pending surfaces and the event bus.
func (e *Engine) teardown(ctx context.Context, res sessionResources, grace time.Duration, final bool) error {
	var errs []error
	if res.primary != nil {
		if err := res.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing primary channel: %w", err))
		}
	}
	if res.listener != nil {
		if err := res.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing primary endpoint: %w", err))
		}
	}

	if res.proc != nil && grace > 0 {
		gctx, cancel := context.WithTimeout(ctx, grace)
		_ = res.proc.Wait(gctx)
		cancel()
		if !res.proc.Exited() {
			e.logger.Warn("worker did not exit within grace period", "pid", res.proc.Pid(), "grace", grace)
		}
	}
	if err := e.sup.Dispose(); err != nil {
		errs = append(errs, fmt.Errorf("terminating worker: %w", err))
	}
	if res.proc != nil && !res.proc.Exited() {
		rctx, cancel := context.WithTimeout(ctx, reapTimeout)
		_ = res.proc.Wait(rctx)
		cancel()
		if !res.proc.Exited() {
			errs = append(errs, fmt.Errorf("worker %d still running after kill", res.proc.Pid()))
		}
	}

	if res.cbConn != nil {
		if err := res.cbConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing callback channel: %w", err))
		}
	}
	if final {
		e.abandonSurfaces()
		e.bus.Close()
	}
	if res.cbDone != nil {
		select {
		case <-res.cbDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for callback server: %w", ctx.Err()))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Warn("session teardown incomplete", "err", err)
	}
	return err
}

func (e *Engine) abandonSurfaces() {
	e.loadedReg.Close()
	e.closedReg.Close()
	e.mu.Lock()
	surfaces := e.surfaces
	e.surfaces = make(map[string]*Surface)
	e.mu.Unlock()
	for _, s := range surfaces {
		s.abandon()
	}
}
