// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rbotel provides OpenTelemetry instrumentation for reportbridge
// channels. It implements the [rpc.DispatchHook] interface to add tracing and
// metrics around every dispatched operation.
//
// Usage:
//
//	server := rpc.NewServer()
//	// ... register operations ...
//	rbotel.InstrumentServer(server, rbotel.DefaultConfig())
package rbotel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/reportbridge/rpc"
)

const instrumentationName = "reportbridge"

// Config configures OpenTelemetry instrumentation for a server.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from request metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator       propagation.TextMapPropagator
	EnableTracing    bool
	EnableMetrics    bool
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value.
	// Defaults to Server.ServiceName() or "reportbridge".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and exception recording against the
// global providers.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds the dispatch hook without installing it.
func NewHook(cfg Config) rpc.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "reportbridge"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched operations"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched operations"),
		)
	}
	return hook
}

// InstrumentServer attaches OpenTelemetry instrumentation to a server via
// [rpc.Server.SetDispatchHook].
func InstrumentServer(server *rpc.Server, cfg Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = server.ServiceName()
	}
	server.SetDispatchHook(NewHook(cfg))
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts parent trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info rpc.DispatchInfo) (context.Context, rpc.HookToken) {
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "reportbridge"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", string(info.Method)),
		attribute.String("rpc.reportbridge.server_id", info.ServerID),
		attribute.String("rpc.reportbridge.request_id", info.RequestID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("reportbridge/%s", info.Method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records span attributes and metrics, then ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token rpc.HookToken, info rpc.DispatchInfo, stats *rpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "reportbridge"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", string(info.Method)),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.reportbridge.input_batches", stats.InputBatches),
			attribute.Int64("rpc.reportbridge.output_batches", stats.OutputBatches),
			attribute.Int64("rpc.reportbridge.input_rows", stats.InputRows),
			attribute.Int64("rpc.reportbridge.output_rows", stats.OutputRows),
			attribute.Int64("rpc.reportbridge.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.reportbridge.output_bytes", stats.OutputBytes),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		kind := fmt.Sprintf("%T", err)
		if f := rpc.FaultFromError(err, ""); f.Kind != "" {
			kind = f.Kind
		}
		st.span.SetAttributes(attribute.String("rpc.reportbridge.fault_kind", kind))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
