// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Query-farm/reportbridge/protocol"
	"github.com/Query-farm/reportbridge/rpc"
)

// Call statuses used as the status label.
const (
	statusOK       = "ok"
	statusFault    = "fault"
	statusCanceled = "canceled"
	statusError    = "error"
)

type metrics struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	spawns    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
}

// newMetrics registers the engine collectors with reg. Engines sharing a
// registerer share the collectors.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reportbridge",
			Subsystem: "engine",
			Name:      "calls_total",
			Help:      "Remote operations issued by the engine.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reportbridge",
			Subsystem: "engine",
			Name:      "call_duration_seconds",
			Help:      "Duration of remote operations, including a lazy worker start.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reportbridge",
			Subsystem: "engine",
			Name:      "worker_spawns_total",
			Help:      "Worker start attempts by result.",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reportbridge",
			Subsystem: "engine",
			Name:      "callbacks_total",
			Help:      "Callback notifications received from workers.",
		}, []string{"operation", "routed"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.spawns, err = register(reg, m.spawns); err != nil {
		return nil, err
	}
	if m.callbacks, err = register(reg, m.callbacks); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) observeCall(op protocol.Method, start time.Time, err error) {
	m.calls.WithLabelValues(string(op), callStatus(err)).Inc()
	m.duration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, rpc.ErrRemoteFault):
		return statusFault
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusCanceled
	default:
		return statusError
	}
}

func (m *metrics) spawn(result string) {
	m.spawns.WithLabelValues(result).Inc()
}

func (m *metrics) callback(op protocol.Method, routed bool) {
	m.callbacks.WithLabelValues(string(op), strconv.FormatBool(routed)).Inc()
}
