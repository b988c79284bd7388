// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for wsmux.
package metrics

import (
	"time"

	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Standalone is the listener label used for connections without a listener.
const Standalone = "standalone"

// Metrics holds all Prometheus metrics for wsmux.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	HandshakeFailures  *prometheus.CounterVec

	// Routing metrics
	Decisions *prometheus.CounterVec

	// Listener metrics
	AttachedListeners prometheus.Gauge
	AttachFailures    prometheus.Counter
	DetachFailures    *prometheus.CounterVec

	// Shutdown metrics
	StopDuration prometheus.Histogram
}

// New creates a Metrics instance registered with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsmux"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently tracked connections",
			},
			[]string{"listener"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of upgraded connections",
			},
			[]string{"listener"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		HandshakeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total number of failed handshakes after a proceed decision",
			},
			[]string{"listener"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upgrade_decisions_total",
				Help:      "Total number of upgrade decisions by outcome",
			},
			[]string{"outcome", "reason"},
		),
		AttachedListeners: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attached_listeners",
				Help:      "Number of attached listeners",
			},
		),
		AttachFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attach_failures_total",
				Help:      "Total number of failed listener attachments",
			},
		),
		DetachFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detach_failures_total",
				Help:      "Total number of listener detachments that reported failures",
			},
			[]string{"listener"},
		),
		StopDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stop_duration_seconds",
				Help:      "Server stop duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// ObserveDecision counts an upgrade decision.
func (m *Metrics) ObserveDecision(d upgrade.Decision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.Outcome.String(), d.Reason).Inc()
}

// ConnectionOpened tracks a new connection.
func (m *Metrics) ConnectionOpened(listener string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(listener).Inc()
	m.TotalConnections.WithLabelValues(listener).Inc()
}

// ConnectionClosed tracks the end of a connection opened at start.
func (m *Metrics) ConnectionClosed(listener string, start time.Time) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(listener).Dec()
	m.ConnectionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())
}

// HandshakeFailed counts a failed handshake.
func (m *Metrics) HandshakeFailed(listener string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(listener).Inc()
}

// ListenerAttached tracks a successful or failed attachment.
func (m *Metrics) ListenerAttached(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AttachFailures.Inc()
		return
	}
	m.AttachedListeners.Inc()
}

// ListenerDetached tracks a detachment. A detached listener stops counting
// as attached even when the detachment reported failures.
func (m *Metrics) ListenerDetached(listener string, err error) {
	if m == nil {
		return
	}
	m.AttachedListeners.Dec()
	if err != nil {
		m.DetachFailures.WithLabelValues(listener).Inc()
	}
}

// ObserveStop tracks a server stop that began at start.
func (m *Metrics) ObserveStop(start time.Time) {
	if m == nil {
		return
	}
	m.StopDuration.Observe(time.Since(start).Seconds())
}
