package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usage_ledger"

// Metrics groups the counters the accounting engine exposes on /metrics.
type Metrics struct {
	UsageRecorded  *prometheus.CounterVec
	TxRetries      prometheus.Counter
	Reports        *prometheus.CounterVec
	ReportsExpired prometheus.Counter
	GuardBlocks    *prometheus.CounterVec
}

// NewMetrics registers the counters on reg. Pass a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UsageRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_total",
			Help:      "Usage records created, by who paid (credit, billed, forgiven, free).",
		}, []string{"payer"}),
		TxRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Serializable transactions retried after a write conflict.",
		}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "External usage report attempts, by result.",
		}, []string{"result"}),
		ReportsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_expired_total",
			Help:      "Pending usage records that aged past the provider window and were never billed.",
		}),
		GuardBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_blocks_total",
			Help:      "Usage attempts blocked by the spending guard, by reason.",
		}, []string{"reason"}),
	}
}
