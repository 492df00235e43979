/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package pipeline

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for backend calls.
//
// Metric naming follows Prometheus conventions:
//   - teaconsole_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
type Metrics struct {
	// RequestsTotal counts backend calls by method and result code.
	// code is the HTTP status, "transport" or "malformed".
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds is a histogram of backend call latency by method.
	RequestDurationSeconds *prometheus.HistogramVec

	// SessionTeardownsTotal counts 401-triggered credential wipes.
	SessionTeardownsTotal prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teaconsole_api_requests_total",
				Help: "Total backend requests by method and result code.",
			},
			[]string{"method", "code"},
		),
		RequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "teaconsole_api_request_duration_seconds",
				Help:    "Duration of backend requests in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		SessionTeardownsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "teaconsole_session_teardowns_total",
				Help: "Total sessions cleared because the backend answered 401.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.RequestDurationSeconds, m.SessionTeardownsTotal)
	}
	return m
}

func (m *Metrics) recordRequest(method string, status int, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	switch {
	case IsTransport(err):
		code = "transport"
	case IsMalformed(err):
		code = "malformed"
	}
	m.RequestsTotal.WithLabelValues(method, code).Inc()
	m.RequestDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) recordTeardown() {
	if m == nil {
		return
	}
	m.SessionTeardownsTotal.Inc()
}
