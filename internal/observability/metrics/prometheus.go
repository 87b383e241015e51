// Package metrics provides Prometheus metrics for the prescription pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionsCreated prometheus.Counter
	InteractionsBlocked  prometheus.Counter
	DocumentsRendered    *prometheus.CounterVec
	Deliveries           *prometheus.CounterVec
	Accesses             *prometheus.CounterVec
	AuditWriteFailures   prometheus.Counter
	OperationDuration    *prometheus.HistogramVec
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxguard_prescriptions_created_total",
			Help: "Prescriptions persisted after passing the interaction gate",
		}),
		InteractionsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxguard_interactions_blocked_total",
			Help: "Create requests rejected by the interaction gate",
		}),
		DocumentsRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxguard_documents_rendered_total",
			Help: "Document render attempts by result",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxguard_deliveries_total",
			Help: "Document deliveries by result",
		}, []string{"result"}),
		Accesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxguard_prescription_accesses_total",
			Help: "Prescription reads by outcome",
		}, []string{"outcome"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxguard_audit_write_failures_total",
			Help: "Audit events that could not be written",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rxguard_operation_duration_seconds",
			Help:    "Workflow operation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxguard_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rxguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PrescriptionsCreated,
			m.InteractionsBlocked,
			m.DocumentsRendered,
			m.Deliveries,
			m.Accesses,
			m.AuditWriteFailures,
			m.OperationDuration,
			m.OutboxPending,
			m.CircuitBreakerState,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Created counts a persisted prescription
func (m *Metrics) Created() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

// Blocked counts a create rejected by the interaction gate
func (m *Metrics) Blocked() {
	if m != nil {
		m.InteractionsBlocked.Inc()
	}
}

// Rendered counts a render attempt
func (m *Metrics) Rendered(err error) {
	if m != nil {
		m.DocumentsRendered.WithLabelValues(result(err)).Inc()
	}
}

// Delivered counts a delivery attempt
func (m *Metrics) Delivered(err error) {
	if m != nil {
		m.Deliveries.WithLabelValues(result(err)).Inc()
	}
}

// Accessed counts a read by outcome, e.g. granted or forbidden
func (m *Metrics) Accessed(outcome string) {
	if m != nil {
		m.Accesses.WithLabelValues(outcome).Inc()
	}
}

// AuditFailed counts a failed audit write
func (m *Metrics) AuditFailed() {
	if m != nil {
		m.AuditWriteFailures.Inc()
	}
}

// Observe records the duration of an operation started at start
func (m *Metrics) Observe(operation string, start time.Time) {
	if m != nil {
		m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// BreakerState records a circuit breaker state change
func (m *Metrics) BreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler serves metrics from g, or the default gatherer when g is nil
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
