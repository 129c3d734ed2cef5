package metrics

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks escrow state machine activity.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	disputes    prometheus.Counter
	rulings     *prometheus.CounterVec
	open        *prometheus.GaugeVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arb",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arb",
				Subsystem: "escrow",
				Name:      "payouts_total",
				Help:      "Best-effort payout attempts segmented by delivery outcome.",
			}, []string{"outcome"}),
			disputes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arb",
				Subsystem: "escrow",
				Name:      "disputes_total",
				Help:      "Disputes raised against escrows.",
			}),
			rulings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arb",
				Subsystem: "escrow",
				Name:      "rulings_total",
				Help:      "Rulings applied to escrows segmented by ruling value.",
			}, []string{"ruling"}),
			open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "arb",
				Subsystem: "escrow",
				Name:      "status",
				Help:      "Number of escrows currently in each status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.payouts,
			escrowRegistry.disputes,
			escrowRegistry.rulings,
			escrowRegistry.open,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome of an escrow operation. Rejections are
// labelled with the reason derived from classify so dashboards can separate
// window violations from authorization failures.
func (m *EscrowMetrics) ObserveOperation(operation string, err error, classify func(error) string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if classify != nil {
			if reason := classify(err); reason != "" {
				outcome = reason
			}
		}
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

// RecordPayout counts a payout attempt.
func (m *EscrowMetrics) RecordPayout(err error) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.payouts.WithLabelValues(outcome).Inc()
}

// RecordDispute counts a newly created dispute.
func (m *EscrowMetrics) RecordDispute() {
	if m == nil {
		return
	}
	m.disputes.Inc()
}

// RecordRuling counts an applied ruling.
func (m *EscrowMetrics) RecordRuling(ruling uint64) {
	if m == nil {
		return
	}
	m.rulings.WithLabelValues(strconv.FormatUint(ruling, 10)).Inc()
}

// RecordStatusChange moves one escrow between status gauges. An empty from
// label marks a newly opened escrow.
func (m *EscrowMetrics) RecordStatusChange(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.open.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.open.WithLabelValues(to).Inc()
	}
}

// ErrorReason is a convenience classifier that unwraps err against a table of
// sentinel errors.
func ErrorReason(table map[error]string) func(error) string {
	return func(err error) string {
		for sentinel, reason := range table {
			if errors.Is(err, sentinel) {
				return reason
			}
		}
		return ""
	}
}
