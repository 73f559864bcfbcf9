// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Query-farm/reportbridge/protocol"
)

// Client issues calls on one channel. Calls are serialized: at most one
// request is on the wire at a time.
type Client struct {
	conn      io.ReadWriteCloser
	logger    *slog.Logger
	logLevel  LogLevel
	sem       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	broken    atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger that receives forwarded server log
// messages and client diagnostics.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLogLevel sets the minimum level of server log messages requested with
// every call.
func WithLogLevel(level LogLevel) ClientOption {
	return func(c *Client) { c.logLevel = level }
}

// NewClient wraps conn. The client owns conn and closes it on Close.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:     conn,
		logger:   slog.New(slog.DiscardHandler),
		logLevel: LogInfo,
		sem:      make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the channel is usable.
func (c *Client) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	if c.broken.Load() {
		return false
	}
	if cc, ok := c.conn.(interface{ Connected() bool }); ok {
		return cc.Connected()
	}
	return true
}

// Close closes the channel. Calls in flight fail with ErrChannelClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when Close is called.
func (c *Client) Done() <-chan struct{} { return c.closed }

type exchangeResult struct {
	resp *response
	err  error
}

// exchange sends one encoded request and waits for its response. If ctx ends
// first the caller gets ctx's error at once; the response is still read in
// the background so the channel stays framed, then discarded.
func (c *Client) exchange(ctx context.Context, method protocol.Method, requestID string, req []byte) (*response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", method, ErrChannelClosed)
	}
	if !c.Connected() {
		<-c.sem
		return nil, fmt.Errorf("%s: %w", method, ErrChannelClosed)
	}

	done := make(chan exchangeResult, 1)
	go func() {
		defer func() { <-c.sem }()
		resp, err := c.roundTrip(method, requestID, req)
		done <- exchangeResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.resp != nil {
				r.resp.release()
			}
			c.logger.Debug("discarded response of abandoned call",
				"method", method, "request_id", requestID, "err", r.err)
		}()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) roundTrip(method protocol.Method, requestID string, req []byte) (*response, error) {
	if _, err := c.conn.Write(req); err != nil {
		c.broken.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	resp, err := readResponse(c.conn)
	if err != nil {
		c.broken.Store(true)
		if errors.Is(err, errStreamCorrupt) {
			_ = c.conn.Close()
		}
		return nil, err
	}
	for _, lm := range resp.logs {
		attrs := []any{"method", method, "request_id", requestID}
		for k, v := range lm.Extras {
			attrs = append(attrs, k, v)
		}
		c.logger.Log(context.Background(), lm.Level.SlogLevel(), lm.Message, attrs...)
	}
	return resp, nil
}

func (r *response) release() {
	if r.result != nil {
		r.result.Release()
		r.result = nil
	}
}

// encodeRequest serializes params into a complete request stream.
func encodeRequest(method protocol.Method, requestID string, level LogLevel, params any) ([]byte, error) {
	schema, err := structToSchema(reflect.TypeOf(params))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid params type %T: %w", method, params, err)
	}
	batch, err := serializeParams(schema, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer batch.Release()

	var buf bytes.Buffer
	if err := WriteRequest(&buf, method, requestID, level, batch); err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", method, err)
	}
	return buf.Bytes(), nil
}

// Call invokes method with params and decodes its result as R. A fault
// returned by the peer is a *RemoteFault.
func Call[P any, R any](ctx context.Context, c *Client, method protocol.Method, params P) (R, error) {
	var zero R
	requestID := uuid.NewString()
	req, err := encodeRequest(method, requestID, c.logLevel, params)
	if err != nil {
		return zero, err
	}
	resp, err := c.exchange(ctx, method, requestID, req)
	if err != nil {
		return zero, err
	}
	defer resp.release()

	if resp.fault != nil {
		return zero, resp.fault
	}
	if resp.result == nil {
		return zero, fmt.Errorf("%s: %w", method, malformedf("response has no result batch"))
	}
	return decodeResult[R](method, resp)
}

func decodeResult[R any](method protocol.Method, resp *response) (out R, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("%s: %w", method, malformedf("result: %v", rv))
		}
	}()
	val, err := deserializeResult(resp.result, reflect.TypeFor[R]())
	if err != nil {
		return out, fmt.Errorf("%s: %w", method, malformedf("result: %v", err))
	}
	return val.Interface().(R), nil
}

// CallVoid invokes an operation that has no result.
func CallVoid[P any](ctx context.Context, c *Client, method protocol.Method, params P) error {
	requestID := uuid.NewString()
	req, err := encodeRequest(method, requestID, c.logLevel, params)
	if err != nil {
		return err
	}
	resp, err := c.exchange(ctx, method, requestID, req)
	if err != nil {
		return err
	}
	defer resp.release()
	if resp.fault != nil {
		return resp.fault
	}
	return nil
}

// Describe performs the handshake: it asks the peer for its operation set and
// checks the protocol version.
func (c *Client) Describe(ctx context.Context) (*Description, error) {
	requestID := uuid.NewString()
	req, err := encodeRequest(protocol.MethodDescribe, requestID, c.logLevel, struct{}{})
	if err != nil {
		return nil, err
	}
	resp, err := c.exchange(ctx, protocol.MethodDescribe, requestID, req)
	if err != nil {
		return nil, err
	}
	defer resp.release()
	if resp.fault != nil {
		return nil, resp.fault
	}
	if resp.result == nil {
		return nil, malformedf("describe response has no batch")
	}
	d, err := parseDescription(resp.result, resp.meta)
	if err != nil {
		return nil, err
	}
	if d.ProtocolVersion != protocol.Version {
		return nil, fmt.Errorf("%w: peer %q speaks %q, want %q",
			ErrVersionMismatch, d.ProtocolName, d.ProtocolVersion, protocol.Version)
	}
	return d, nil
}
