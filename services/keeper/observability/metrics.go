// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// keeper service.
//
// # Description
//
// HTTP traffic is measured with Prometheus collectors; the mutation
// and realtime instruments elsewhere in the service go through the
// OpenTelemetry meter, which InitOTel bridges into the same Prometheus
// registry so /metrics exposes everything.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "hearth"

// Subsystem for HTTP metrics
const httpSubsystem = "http"

// HTTPMetrics holds the Prometheus collectors for API traffic.
type HTTPMetrics struct {
	// RequestsTotal counts requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures handler latency by method and route.
	RequestDuration *prometheus.HistogramVec

	// InFlight tracks requests currently being served.
	InFlight prometheus.Gauge
}

// DefaultHTTPMetrics is the singleton instance.
// Initialized by InitHTTPMetrics().
var DefaultHTTPMetrics *HTTPMetrics

// InitHTTPMetrics creates and registers the HTTP collectors. Call once
// at startup; registering twice panics.
func InitHTTPMetrics() *HTTPMetrics {
	DefaultHTTPMetrics = &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and route",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"method", "route"},
		),

		InFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "in_flight",
				Help:      "HTTP requests currently being served",
			},
		),
	}
	return DefaultHTTPMetrics
}

// Middleware returns a Gin middleware observing every request. Routes
// are labeled by their pattern, not the raw path, to bound
// cardinality.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.InFlight.Inc()

		c.Next()

		m.InFlight.Dec()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.RequestDuration.WithLabelValues(
			c.Request.Method, route,
		).Observe(time.Since(start).Seconds())
	}
}
