// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the TLS proxy.
//
// A nil *Metrics is valid: every method is a no-op, so servers built without
// metrics need no special casing.
package metrics

import (
	"errors"
	"time"

	perrors "github.com/infinyon/flv-tls-proxy/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name when New is given none.
const DefaultNamespace = "flv_tls_proxy"

// Connection outcomes used as the status label of connections_total.
const (
	StatusRelayed = "relayed"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Authentication results used as the result label of auth_decisions_total.
const (
	AuthAllow = "allow"
	AuthDeny  = "deny"
	AuthError = "error"
)

// Relay directions used as the direction label of relayed_bytes_total.
const (
	Upstream   = "upstream"   // client to backend
	Downstream = "downstream" // backend to client
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	Connections        *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	ConnectionDuration prometheus.Histogram
	StageErrors        *prometheus.CounterVec
	AuthDecisions      *prometheus.CounterVec
	RelayedBytes       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves the
// collectors unregistered.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of handled connections by outcome",
			},
			[]string{"status"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of connections currently being handled",
			},
		),
		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		StageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Total number of connection errors by lifecycle stage",
			},
			[]string{"stage"},
		),
		AuthDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_decisions_total",
				Help:      "Total number of authentication decisions by result",
			},
			[]string{"result"},
		),
		RelayedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of bytes relayed by direction",
			},
			[]string{"direction"},
		),
	}
}

// ObserveConnection tracks a connection lifecycle. The error returned by f
// decides the status label; a denial is counted as denied, not as an error.
func (m *Metrics) ObserveConnection(f func() error) error {
	if m == nil {
		return f()
	}

	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := StatusRelayed
	switch {
	case err == nil:
	case errors.Is(err, perrors.ErrDenied):
		status = StatusDenied
	default:
		status = StatusError
		if stage := perrors.StageOf(err); stage != "" {
			m.StageErrors.WithLabelValues(string(stage)).Inc()
		}
	}
	m.Connections.WithLabelValues(status).Inc()

	return err
}

// AuthDecision counts one authentication result.
func (m *Metrics) AuthDecision(result string) {
	if m == nil {
		return
	}
	m.AuthDecisions.WithLabelValues(result).Inc()
}

// AddRelayedBytes adds n to the byte counter of direction.
func (m *Metrics) AddRelayedBytes(direction string, n uint64) {
	if m == nil {
		return
	}
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}
