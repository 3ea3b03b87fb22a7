// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the relay.
//
// # Description
//
// Session lifecycle metrics are plain Prometheus collectors:
//   - Active session gauge and state transition counters
//   - Pairing/QR artifact requests and wait latency
//   - Reconnect attempts and terminal disconnects
//   - Outbound sends and inbound messages by ledger outcome
//   - HTTP requests by route and status
//
// Ledger meters are OpenTelemetry instruments exported through the OTel
// Prometheus exporter, so both end up on the same /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method on a nil *RelayMetrics is a no-op.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	relaySubsystem   = "relay"
)

// RelayMetrics holds the Prometheus collectors for the relay.
type RelayMetrics struct {
	// SessionsActive is the number of sessions in the registry.
	SessionsActive prometheus.Gauge

	// SessionTransitionsTotal counts state changes.
	// Labels: state
	SessionTransitionsTotal *prometheus.CounterVec

	// ArtifactRequestsTotal counts pairing code and QR requests.
	// Labels: kind (pairing_code, qr), outcome
	ArtifactRequestsTotal *prometheus.CounterVec

	// ArtifactWaitSeconds measures time from command to artifact.
	// Labels: kind
	ArtifactWaitSeconds *prometheus.HistogramVec

	// ReconnectsTotal counts retry attempts.
	// Labels: result (success, failed, abandoned)
	ReconnectsTotal *prometheus.CounterVec

	// TerminalDisconnectsTotal counts logged-out sessions.
	TerminalDisconnectsTotal prometheus.Counter

	// MessagesSentTotal counts outbound sends.
	// Labels: outcome (success, not_connected, error)
	MessagesSentTotal *prometheus.CounterVec

	// MessagesReceivedTotal counts inbound messages.
	// Labels: outcome (credited, no_account, cap_reached, skipped, error)
	MessagesReceivedTotal *prometheus.CounterVec

	// HTTPRequestsTotal counts control surface requests.
	// Labels: route, method, status
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDurationSeconds measures control surface latency.
	// Labels: route
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewRelayMetrics creates the relay collectors and registers them with reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests so instances never collide.
//
// # Limitations
//
//   - Panics if the collectors are already registered with reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held by the registry",
		}),

		SessionTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by target state",
			},
			[]string{"state"},
		),

		ArtifactRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "artifact_requests_total",
				Help:      "Pairing code and QR requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		ArtifactWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "artifact_wait_seconds",
				Help:      "Time from issuing the command to receiving the artifact",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),

		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts by result",
			},
			[]string{"result"},
		),

		TerminalDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "terminal_disconnects_total",
			Help:      "Sessions ended by a logged-out disconnect",
		}),

		MessagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "messages_sent_total",
				Help:      "Outbound text sends by outcome",
			},
			[]string{"outcome"},
		),

		MessagesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "messages_received_total",
				Help:      "Inbound messages by ledger outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "http_requests_total",
				Help:      "Control surface requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),

		HTTPRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Control surface request latency",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"route"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// ArtifactKind labels artifact metrics.
type ArtifactKind string

const (
	ArtifactPairingCode ArtifactKind = "pairing_code"
	ArtifactQR          ArtifactKind = "qr"
)

// =============================================================================
// Recording Helpers
// =============================================================================

// SetActiveSessions sets the active session gauge.
func (m *RelayMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordTransition counts a transition into state.
func (m *RelayMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordArtifactRequest counts one pairing or QR request.
func (m *RelayMetrics) RecordArtifactRequest(kind ArtifactKind, outcome string) {
	if m == nil {
		return
	}
	m.ArtifactRequestsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// RecordArtifactWait observes the artifact latency.
func (m *RelayMetrics) RecordArtifactWait(kind ArtifactKind, seconds float64) {
	if m == nil {
		return
	}
	m.ArtifactWaitSeconds.WithLabelValues(string(kind)).Observe(seconds)
}

// RecordReconnect counts a reconnect step.
func (m *RelayMetrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(result).Inc()
}

// RecordTerminalDisconnect counts a logged-out session.
func (m *RelayMetrics) RecordTerminalDisconnect() {
	if m == nil {
		return
	}
	m.TerminalDisconnectsTotal.Inc()
}

// RecordSend counts an outbound send.
func (m *RelayMetrics) RecordSend(outcome string) {
	if m == nil {
		return
	}
	m.MessagesSentTotal.WithLabelValues(outcome).Inc()
}

// RecordInbound counts an inbound message by ledger outcome.
func (m *RelayMetrics) RecordInbound(outcome string) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest counts and times one control surface request.
func (m *RelayMetrics) RecordHTTPRequest(route, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(route).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
