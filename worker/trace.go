// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Query-farm/reportbridge/rpc"
	rbotel "github.com/Query-farm/reportbridge/rpc/otel"
)

// setupTracing builds a dispatch hook exporting spans and metrics as JSON.
// With a log dir they go to files next to the worker log, otherwise to
// stderr.
func setupTracing(dir string, stderr io.Writer) (rpc.DispatchHook, func(context.Context) error, error) {
	traceOut, metricOut := stderr, stderr
	var files []*os.File
	if dir != "" {
		pid := os.Getpid()
		for _, name := range []string{
			fmt.Sprintf("reportbridge-worker-%d.traces.json", pid),
			fmt.Sprintf("reportbridge-worker-%d.metrics.json", pid),
		} {
			f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				for _, f := range files {
					_ = f.Close()
				}
				return nil, nil, fmt.Errorf("opening telemetry file: %w", err)
			}
			files = append(files, f)
		}
		traceOut, metricOut = files[0], files[1]
	}

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
	if err != nil {
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricOut))
	if err != nil {
		return nil, nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExporter))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

	cfg := rbotel.DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.ServiceName = ServiceName
	hook := rbotel.NewHook(cfg)

	shutdown := func(ctx context.Context) error {
		errs := []error{tp.Shutdown(ctx), mp.Shutdown(ctx)}
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}
	return hook, shutdown, nil
}
