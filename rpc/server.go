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
	"net"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/reportbridge/protocol"
)

// methodInfo stores the registration details for one operation.
type methodInfo struct {
	Name         protocol.Method
	ParamsType   reflect.Type  // Go struct type for parameters
	ResultType   reflect.Type  // Go type for result (nil for void)
	ParamsSchema *arrow.Schema // Arrow schema for parameter deserialization
	ResultSchema *arrow.Schema // Arrow schema for result serialization
	Handler      reflect.Value // func(context.Context, *CallContext, P) (R, error) or void form
}

// Server dispatches incoming requests on one channel to registered
// operations. Requests are served strictly one at a time.
type Server struct {
	mu           sync.RWMutex
	methods      map[protocol.Method]*methodInfo
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	faultMapper  FaultMapper
	debugFaults  bool
	logger       *slog.Logger
}

// NewServer creates a new server.
func NewServer() *Server {
	return &Server{
		methods:     make(map[protocol.Method]*methodInfo),
		faultMapper: defaultFaultMapper,
		logger:      slog.New(slog.DiscardHandler),
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetFaultMapper replaces the conversion of handler errors into faults.
func (s *Server) SetFaultMapper(m FaultMapper) {
	if m == nil {
		m = defaultFaultMapper
	}
	s.faultMapper = m
}

// SetDebugFaults controls whether faults include a stack trace. Leave it off
// unless the peer is trusted.
func (s *Server) SetDebugFaults(enabled bool) {
	s.debugFaults = enabled
}

// SetLogger sets the logger for server-side diagnostics.
func (s *Server) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	s.logger = l
}

// Methods returns the registered operations, sorted.
func (s *Server) Methods() []protocol.Method {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]protocol.Method, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (s *Server) register(info *methodInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[info.Name] = info
}

func (s *Server) lookup(m protocol.Method) (*methodInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.methods[m]
	return info, ok
}

// Unary registers an operation with typed parameters and return value.
// P must be a struct with `rpc` tags.
func Unary[P any, R any](s *Server, name protocol.Method, handler func(context.Context, *CallContext, P) (R, error)) {
	var p P
	paramsType := reflect.TypeOf(p)
	resultType := reflect.TypeFor[R]()

	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("rpc: registering %q: invalid params type %T: %v", name, p, err))
	}
	resSchema, err := resultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("rpc: registering %q: invalid result type %v: %v", name, resultType, err))
	}

	s.register(&methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ResultType:   resultType,
		ParamsSchema: paramsSchema,
		ResultSchema: resSchema,
		Handler:      reflect.ValueOf(handler),
	})
}

// UnaryVoid registers an operation that returns no value.
func UnaryVoid[P any](s *Server, name protocol.Method, handler func(context.Context, *CallContext, P) error) {
	var p P
	paramsType := reflect.TypeOf(p)

	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("rpc: registering %q: invalid params type %T: %v", name, p, err))
	}

	s.register(&methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ParamsSchema: paramsSchema,
		ResultSchema: arrow.NewSchema(nil, nil),
		Handler:      reflect.ValueOf(handler),
	})
}

// Serve runs the lockstep request loop on conn until the peer closes it or
// ctx ends. Cancelling ctx closes conn when it implements io.Closer. A clean
// close by the peer returns nil.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriter) error {
	if c, ok := conn.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	for {
		err := s.serveOne(ctx, conn)
		if err == nil {
			continue
		}
		if err == io.EOF || isTransportClosed(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		s.logger.Error("serve loop error", "err", err)
		return err
	}
}

// serveOne handles one complete request-response cycle. The response is
// assembled in memory and written with a single Write.
func (s *Server) serveOne(ctx context.Context, conn io.ReadWriter) error {
	req, err := ReadRequest(conn)
	if err != nil {
		var fault *RemoteFault
		if errors.As(err, &fault) {
			return s.respond(conn, func(w io.Writer) error {
				return WriteFaultResponse(w, arrow.NewSchema(nil, nil), nil, fault, false, s.serverID, fault.RequestID)
			})
		}
		return err
	}
	defer req.Batch.Release()

	if req.Method == protocol.MethodDescribe {
		return s.respond(conn, func(w io.Writer) error { return s.writeDescribe(w, req) })
	}

	info, ok := s.lookup(req.Method)
	if !ok {
		names := make([]string, 0)
		for _, m := range s.Methods() {
			names = append(names, string(m))
		}
		fault := &RemoteFault{
			Kind:      FaultUnknownOperation,
			Message:   fmt.Sprintf("unknown operation %q, available: %s", req.Method, strings.Join(names, ", ")),
			RequestID: req.RequestID,
		}
		s.logger.Warn("unknown operation", "method", req.Method, "request_id", req.RequestID)
		return s.respond(conn, func(w io.Writer) error {
			return WriteFaultResponse(w, arrow.NewSchema(nil, nil), nil, fault, false, s.serverID, req.RequestID)
		})
	}

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(ctx, dispatchInfo)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	handlerErr, transportErr := s.serveUnary(ctx, conn, req, info, stats)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, dispatchInfo, stats, handlerErr)
		}()
	}

	return transportErr
}

// respond buffers one response stream and writes it to w.
func (s *Server) respond(w io.Writer, write func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// serveUnary dispatches one call. It returns handlerErr (reported to the
// hook) and transportErr (stops the serve loop).
func (s *Server) serveUnary(ctx context.Context, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	params, err := deserializeParams(req.Batch, info.ParamsType)
	if err != nil {
		fault := &RemoteFault{
			Kind:      FaultMalformedPayload,
			Message:   fmt.Sprintf("parameter deserialization: %v", err),
			RequestID: req.RequestID,
		}
		return fault, s.respond(w, func(w io.Writer) error {
			return WriteFaultResponse(w, info.ResultSchema, nil, fault, false, s.serverID, req.RequestID)
		})
	}

	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := &CallContext{
		Ctx:       ctx,
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    req.Method,
		LogLevel:  LogLevel(req.LogLevel),
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = LogTrace // default: allow all, client filters
	}

	resultVal, callErr := s.invoke(ctx, callCtx, info, params)
	logs := callCtx.drainLogs()

	if callErr != nil {
		fault := s.faultMapper(callErr)
		if fault.RequestID == "" {
			fault.RequestID = req.RequestID
		}
		s.logger.Debug("operation failed", "method", req.Method, "request_id", req.RequestID,
			"kind", fault.Kind, "sub_kind", fault.SubKind, "err", callErr)
		return callErr, s.respond(w, func(w io.Writer) error {
			return WriteFaultResponse(w, info.ResultSchema, logs, fault, s.debugFaults, s.serverID, req.RequestID)
		})
	}

	if info.ResultType == nil {
		return nil, s.respond(w, func(w io.Writer) error {
			return WriteVoidResponse(w, logs, s.serverID, req.RequestID)
		})
	}

	resultBatch, err := serializeResult(info.ResultSchema, resultVal.Interface())
	if err != nil {
		fault := &RemoteFault{
			Kind:      FaultSerialization,
			Message:   fmt.Sprintf("result serialization: %v", err),
			RequestID: req.RequestID,
		}
		return fault, s.respond(w, func(w io.Writer) error {
			return WriteFaultResponse(w, info.ResultSchema, logs, fault, false, s.serverID, req.RequestID)
		})
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, s.respond(w, func(w io.Writer) error {
		return WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID)
	})
}

// invoke calls the handler, converting a panic into a Panic fault.
func (s *Server) invoke(ctx context.Context, callCtx *CallContext, info *methodInfo, params reflect.Value) (result reflect.Value, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			fault := &RemoteFault{Kind: FaultPanic, Message: fmt.Sprint(rv)}
			if s.debugFaults {
				fault.Detail = string(debug.Stack())
			}
			s.logger.Error("operation panicked", "method", info.Name, "err", rv)
			err = fault
		}
	}()

	results := info.Handler.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(callCtx),
		params,
	})
	errVal := results[len(results)-1]
	if !errVal.IsNil() {
		err = errVal.Interface().(error)
	}
	if info.ResultType != nil {
		result = results[0]
	}
	return result, err
}

// isTransportClosed returns true for errors that indicate the transport was closed.
func isTransportClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed") ||
		strings.Contains(msg, "EOF")
}
