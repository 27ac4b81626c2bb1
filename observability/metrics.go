package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradeguard"

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	gateMetricsOnce sync.Once
	gateRegistry    *GateMetrics

	auditMetricsOnce sync.Once
	auditRegistry    *AuditMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// EscrowMetrics tracks lifecycle transitions.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	pending     prometheus.Gauge
	expired     prometheus.Counter
}

// Escrow exposes the escrow state machine registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow transition attempts segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "pending_submissions",
				Help:      "Escrows currently awaiting ledger confirmation.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "expired_total",
				Help:      "Escrows moved to Expired by the sweeper or on request.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.pending,
			escrowRegistry.expired,
		)
	})
	return escrowRegistry
}

// RecordTransition counts an attempted transition. Outcome is "ok" or an error code.
func (m *EscrowMetrics) RecordTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(action), label(outcome)).Inc()
}

// PendingInc marks the start of a ledger submission.
func (m *EscrowMetrics) PendingInc() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

// PendingDec marks the end of a ledger submission.
func (m *EscrowMetrics) PendingDec() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

// RecordExpired counts an expiry.
func (m *EscrowMetrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// GateMetrics tracks security gate decisions and risk scoring.
type GateMetrics struct {
	checks    *prometheus.CounterVec
	riskScore prometheus.Histogram
}

// Gate exposes the security gate registry.
func Gate() *GateMetrics {
	gateMetricsOnce.Do(func() {
		gateRegistry = &GateMetrics{
			checks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "checks_total",
				Help:      "Security gate check results segmented by check and result.",
			}, []string{"check", "result"}),
			riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "risk_score",
				Help:      "Distribution of computed risk scores.",
				Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			}),
		}
		prometheus.MustRegister(gateRegistry.checks, gateRegistry.riskScore)
	})
	return gateRegistry
}

// RecordCheck counts the result ("pass", "flag" or "reject") of a single check.
func (m *GateMetrics) RecordCheck(check, result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(label(check), label(result)).Inc()
}

// ObserveRiskScore records a computed score.
func (m *GateMetrics) ObserveRiskScore(score int) {
	if m == nil {
		return
	}
	m.riskScore.Observe(float64(score))
}

// AuditMetrics tracks the audit chain.
type AuditMetrics struct {
	appends      *prometheus.CounterVec
	tamperAlerts *prometheus.CounterVec
	sealed       prometheus.Counter
	verifyTime   prometheus.Histogram
}

// Audit exposes the audit log registry.
func Audit() *AuditMetrics {
	auditMetricsOnce.Do(func() {
		auditRegistry = &AuditMetrics{
			appends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Audit entries appended segmented by severity.",
			}, []string{"severity"}),
			tamperAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "tamper_alerts_total",
				Help:      "Integrity violations detected segmented by alert type.",
			}, []string{"type"}),
			sealed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "segments_sealed_total",
				Help:      "Audit segments sealed after reaching the entry limit.",
			}),
			verifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "verify_duration_seconds",
				Help:      "Latency of chain integrity verification passes.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			auditRegistry.appends,
			auditRegistry.tamperAlerts,
			auditRegistry.sealed,
			auditRegistry.verifyTime,
		)
	})
	return auditRegistry
}

// RecordAppend counts an appended entry.
func (m *AuditMetrics) RecordAppend(severity string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(label(severity)).Inc()
}

// RecordTamper counts a tamper alert.
func (m *AuditMetrics) RecordTamper(alertType string) {
	if m == nil {
		return
	}
	m.tamperAlerts.WithLabelValues(label(alertType)).Inc()
}

// RecordSeal counts a sealed segment.
func (m *AuditMetrics) RecordSeal() {
	if m == nil {
		return
	}
	m.sealed.Inc()
}

// ObserveVerify records the duration of a verification pass.
func (m *AuditMetrics) ObserveVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.verifyTime.Observe(d.Seconds())
}

// LedgerMetrics tracks calls to the settlement ledger.
type LedgerMetrics struct {
	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// Ledger exposes the ledger adapter registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of ledger submissions including confirmation waits.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"method"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "failures_total",
				Help:      "Ledger call failures segmented by method and reason.",
			}, []string{"method", "reason"}),
		}
		prometheus.MustRegister(ledgerRegistry.latency, ledgerRegistry.failures)
	})
	return ledgerRegistry
}

// ObserveCall records the latency of a ledger call.
func (m *LedgerMetrics) ObserveCall(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(label(method)).Observe(d.Seconds())
}

// RecordFailure counts a failed ledger call.
func (m *LedgerMetrics) RecordFailure(method, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(method), label(reason)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return strings.ToLower(trimmed)
}
