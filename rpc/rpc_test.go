// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
)

const (
	opGreet   protocol.Method = "greet"
	opTouch   protocol.Method = "touch"
	opFail    protocol.Method = "fail"
	opPanic   protocol.Method = "explode"
	opBlock   protocol.Method = "block"
	opBad     protocol.Method = "bad_input"
	opMissing protocol.Method = "not_registered"
)

type greetParams struct {
	Name  string `rpc:"name"`
	Times int64  `rpc:"times"`
}

type touchParams struct {
	Key string `rpc:"key"`
}

type kindedError struct{}

func (kindedError) Error() string        { return "paper jam" }
func (kindedError) FaultKind() string    { return "PrinterError" }
func (kindedError) FaultSubKind() string { return "Jam" }

type fixture struct {
	client  *Client
	server  *Server
	srvConn net.Conn
	logs    *bytes.Buffer
	touched chan string
	started chan struct{}
	release chan struct{}
	done    chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		server:  NewServer(),
		logs:    &bytes.Buffer{},
		touched: make(chan string, 4),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		done:    make(chan error, 1),
	}
	f.server.SetServerID("test-worker")

	Unary(f.server, opGreet, func(_ context.Context, cc *CallContext, p greetParams) (string, error) {
		cc.ClientLog(LogInfo, "greeting", KV{Key: "name", Value: p.Name})
		cc.ClientLog(LogDebug, "below the requested level")
		return strings.Repeat("hi "+p.Name+";", int(p.Times)), nil
	})
	UnaryVoid(f.server, opTouch, func(_ context.Context, _ *CallContext, p touchParams) error {
		f.touched <- p.Key
		return nil
	})
	UnaryVoid(f.server, opFail, func(context.Context, *CallContext, touchParams) error {
		return fmt.Errorf("printing: %w", kindedError{})
	})
	UnaryVoid(f.server, opPanic, func(context.Context, *CallContext, touchParams) error {
		panic("boom")
	})
	UnaryVoid(f.server, opBad, func(context.Context, *CallContext, touchParams) error {
		return fmt.Errorf("table: %w", codec.ErrMalformedPayload)
	})
	Unary(f.server, opBlock, func(context.Context, *CallContext, touchParams) (int64, error) {
		f.started <- struct{}{}
		<-f.release
		return 42, nil
	})

	cliConn, srvConn := net.Pipe()
	f.srvConn = srvConn
	go func() { f.done <- f.server.Serve(context.Background(), srvConn) }()

	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.client = NewClient(cliConn, WithClientLogger(logger))
	t.Cleanup(func() { _ = f.client.Close() })
	return f
}

func TestUnaryCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := Call[greetParams, string](ctx, f.client, opGreet, greetParams{Name: "ada", Times: 1})
	require.NoError(t, err)
	assert.Equal(t, "hi ada;", got)

	t.Run("client log is forwarded", func(t *testing.T) {
		out := f.logs.String()
		assert.Contains(t, out, "greeting")
		assert.Contains(t, out, "name=ada")
		assert.NotContains(t, out, "below the requested level")
	})
}

func TestVoidCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, CallVoid(context.Background(), f.client, opTouch, touchParams{Key: "k1"}))
	assert.Equal(t, "k1", <-f.touched)
}

func TestSequentialCallsShareChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		got, err := Call[greetParams, string](ctx, f.client, opGreet, greetParams{Name: fmt.Sprint(i), Times: 1})
		require.NoError(t, err)
		assert.Equal(t, "hi "+fmt.Sprint(i)+";", got)
	}
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := "hi " + fmt.Sprint(i) + ";"
			got, err := Call[greetParams, string](ctx, f.client, opGreet, greetParams{Name: fmt.Sprint(i), Times: 1})
			if err == nil && got != want {
				err = fmt.Errorf("got %q, want %q", got, want)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestHandlerFault(t *testing.T) {
	f := newFixture(t)
	err := CallVoid(context.Background(), f.client, opFail, touchParams{})
	require.Error(t, err)

	var fault *RemoteFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "PrinterError", fault.Kind)
	assert.Equal(t, "Jam", fault.SubKind)
	assert.Equal(t, "printing: paper jam", fault.Message)
	assert.NotEmpty(t, fault.RequestID)
	assert.Empty(t, fault.Detail)
	assert.ErrorIs(t, err, ErrRemoteFault)
}

func TestMalformedFaultMatchesCodecSentinel(t *testing.T) {
	f := newFixture(t)
	err := CallVoid(context.Background(), f.client, opBad, touchParams{})
	assert.ErrorIs(t, err, codec.ErrMalformedPayload)
	assert.ErrorIs(t, err, ErrRemoteFault)
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)
	err := CallVoid(context.Background(), f.client, opMissing, touchParams{})

	var fault *RemoteFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultUnknownOperation, fault.Kind)
	assert.Contains(t, fault.Message, string(opGreet))

	// The channel is still usable.
	require.NoError(t, CallVoid(context.Background(), f.client, opTouch, touchParams{Key: "after"}))
	assert.Equal(t, "after", <-f.touched)
}

func TestHandlerPanicBecomesFault(t *testing.T) {
	f := newFixture(t)
	f.server.SetDebugFaults(true)

	err := CallVoid(context.Background(), f.client, opPanic, touchParams{})
	var fault *RemoteFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultPanic, fault.Kind)
	assert.Equal(t, "boom", fault.Message)
	assert.Contains(t, fault.Detail, "goroutine")
	assert.True(t, f.client.Connected())
}

func TestCustomFaultMapper(t *testing.T) {
	f := newFixture(t)
	f.server.SetFaultMapper(func(err error) *RemoteFault {
		return FaultFromError(err, "RenderError")
	})
	UnaryVoid(f.server, "plain", func(context.Context, *CallContext, touchParams) error {
		return errors.New("no such report")
	})

	err := CallVoid(context.Background(), f.client, "plain", touchParams{})
	var fault *RemoteFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "RenderError", fault.Kind)
	assert.Equal(t, "*errors.errorString", fault.SubKind)
}

func TestCancelledCallKeepsFraming(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := Call[touchParams, int64](ctx, f.client, opBlock, touchParams{})
		errc <- err
	}()

	<-f.started
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not return")
	}

	close(f.release)
	got, err := Call[greetParams, string](context.Background(), f.client, opGreet, greetParams{Name: "x", Times: 1})
	require.NoError(t, err)
	assert.Equal(t, "hi x;", got)
}

func TestClosedChannel(t *testing.T) {
	t.Run("peer closed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.srvConn.Close())
		<-f.done

		err := CallVoid(context.Background(), f.client, opTouch, touchParams{Key: "x"})
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.False(t, f.client.Connected())
	})

	t.Run("client closed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.client.Close())
		require.NoError(t, f.client.Close())

		err := CallVoid(context.Background(), f.client, opTouch, touchParams{Key: "x"})
		assert.ErrorIs(t, err, ErrChannelClosed)
		select {
		case err := <-f.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop after the peer closed")
		}
	})
}

func TestServeStopsOnContextCancel(t *testing.T) {
	s := NewServer()
	_, srvConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, srvConn) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestDescribe(t *testing.T) {
	f := newFixture(t)
	f.server.SetServiceName("test-renderer")

	d, err := f.client.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-renderer", d.ProtocolName)
	assert.Equal(t, protocol.Version, d.ProtocolVersion)
	assert.Equal(t, "test-worker", d.ServerID)
	assert.ElementsMatch(t,
		[]protocol.Method{opGreet, opTouch, opFail, opPanic, opBad, opBlock},
		d.Methods())

	for _, op := range d.Operations {
		switch op.Name {
		case opGreet:
			assert.True(t, op.HasReturn)
			assert.Equal(t, map[string]string{"name": "string", "times": "int"}, op.ParamTypes)
			require.NotNil(t, op.ResultSchema)
			assert.Equal(t, "result", op.ResultSchema.Field(0).Name)
		case opTouch:
			assert.False(t, op.HasReturn)
		}
	}
}

func TestMissingParameterIsZero(t *testing.T) {
	f := newFixture(t)
	type nameOnly struct {
		Name string `rpc:"name"`
	}
	got, err := Call[nameOnly, string](context.Background(), f.client, opGreet, nameOnly{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
