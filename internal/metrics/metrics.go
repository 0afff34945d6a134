// Package metrics holds the Prometheus metrics of the vault.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the vault services.
// All metrics use the vault namespace. A nil *Metrics records nothing.
type Metrics struct {
	SecretOpsTotal          *prometheus.CounterVec
	LiteralResolutionsTotal prometheus.Counter
	AuthorizeTotal          *prometheus.CounterVec
	RefreshTotal            *prometheus.CounterVec
	RefreshDuration         *prometheus.HistogramVec
	ConnectionTransitions   *prometheus.CounterVec
	AuditBrokenConnections  prometheus.Gauge
	AuditDanglingSecrets    prometheus.Gauge
	AuditDuration           prometheus.Histogram
	AuditLastRun            prometheus.Gauge
}

// New creates and registers vault metrics on the given registry.
// Returns nil if reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SecretOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Subsystem: "secrets",
			Name:      "operations_total",
			Help:      "Secret store operations by operation and result.",
		}, []string{"op", "result"}),

		LiteralResolutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vault",
			Subsystem: "secrets",
			Name:      "literal_resolutions_total",
			Help:      "Legacy identifiers that resolved as raw credentials.",
		}),

		AuthorizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Subsystem: "permissions",
			Name:      "authorize_total",
			Help:      "Authorization decisions by decision and reason.",
		}, []string{"decision", "reason"}),

		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Subsystem: "rotation",
			Name:      "refresh_total",
			Help:      "Token refresh attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vault",
			Subsystem: "rotation",
			Name:      "refresh_duration_seconds",
			Help:      "Token refresh duration in seconds by provider.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		ConnectionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vault",
			Subsystem: "connections",
			Name:      "transitions_total",
			Help:      "Connection status transitions by target status.",
		}, []string{"status"}),

		AuditBrokenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vault",
			Subsystem: "audit",
			Name:      "broken_connections",
			Help:      "Broken connections found by the last audit.",
		}),

		AuditDanglingSecrets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vault",
			Subsystem: "audit",
			Name:      "dangling_secrets",
			Help:      "Dangling secrets found by the last audit.",
		}),

		AuditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vault",
			Subsystem: "audit",
			Name:      "duration_seconds",
			Help:      "Audit run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		AuditLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vault",
			Subsystem: "audit",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed audit.",
		}),
	}

	reg.MustRegister(
		m.SecretOpsTotal,
		m.LiteralResolutionsTotal,
		m.AuthorizeTotal,
		m.RefreshTotal,
		m.RefreshDuration,
		m.ConnectionTransitions,
		m.AuditBrokenConnections,
		m.AuditDanglingSecrets,
		m.AuditDuration,
		m.AuditLastRun,
	)

	return m
}

// SecretOp records one secret store operation.
func (m *Metrics) SecretOp(op string, err error) {
	if m == nil {
		return
	}
	m.SecretOpsTotal.WithLabelValues(op, result(err)).Inc()
}

// LiteralResolution records a legacy identifier resolved as a raw credential.
func (m *Metrics) LiteralResolution() {
	if m == nil {
		return
	}
	m.LiteralResolutionsTotal.Inc()
}

// Authorize records an authorization decision.
func (m *Metrics) Authorize(allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.AuthorizeTotal.WithLabelValues(decision, reason).Inc()
}

// Refresh records one refresh attempt.
func (m *Metrics) Refresh(provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(provider, outcome).Inc()
	m.RefreshDuration.WithLabelValues(provider).Observe(took.Seconds())
}

// Transition records a connection entering status.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.ConnectionTransitions.WithLabelValues(status).Inc()
}

// Audit records the findings of a completed audit.
func (m *Metrics) Audit(broken, dangling int, took time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.AuditBrokenConnections.Set(float64(broken))
	m.AuditDanglingSecrets.Set(float64(dangling))
	m.AuditDuration.Observe(took.Seconds())
	m.AuditLastRun.Set(float64(finished.Unix()))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
