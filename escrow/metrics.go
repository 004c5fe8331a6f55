package escrow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"escrowflow/contract"
	"escrowflow/ledger"
)

// Metrics instruments the service. A nil *Metrics records nothing.
type Metrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	mirrorRetries *prometheus.CounterVec
	journaledOps  *prometheus.CounterVec
	repairs       *prometheus.CounterVec
	pendingOps    prometheus.Gauge
}

// NewMetrics registers the escrow collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "operations_total",
			Help:      "Ledger operations by action and result.",
		}, []string{"action", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "operation_duration_seconds",
			Help:      "Time from submission to a settled result.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"action"}),
		mirrorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "mirror_retries_total",
			Help:      "Mirror writes retried after a store failure.",
		}, []string{"action"}),
		journaledOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "journaled_operations_total",
			Help:      "Ledger operations handed to the reconciler.",
		}, []string{"action"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "reconcile_repairs_total",
			Help:      "Mirror fields moved to ledger truth by reconciliation.",
		}, []string{"field"}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Name:      "pending_operations",
			Help:      "Journaled operations still unresolved after the last reconcile pass.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.operations, m.duration, m.mirrorRetries, m.journaledOps, m.repairs, m.pendingOps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrUnknownContract):
		return "unknown"
	case errors.Is(err, ErrMirrorBehind):
		return "mirror_behind"
	case errors.Is(err, ledger.ErrReverted):
		return "reverted"
	case errors.Is(err, ledger.ErrUnconfirmed):
		return "unconfirmed"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (m *Metrics) observe(action contract.Action, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(action), resultLabel(err)).Inc()
	m.duration.WithLabelValues(string(action)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) mirrorRetry(action contract.Action) {
	if m == nil {
		return
	}
	m.mirrorRetries.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) journaled(action contract.Action) {
	if m == nil {
		return
	}
	m.journaledOps.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) repaired(field string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(field).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}
