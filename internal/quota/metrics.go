package quota

import "github.com/prometheus/client_golang/prometheus"

var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_quota_reservations_total",
			Help: "AI response reservations by outcome.",
		},
		[]string{"outcome"},
	)
	rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_chat_quota_rollbacks_total",
			Help: "Reservations returned after failed provider calls.",
		},
	)
	resetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_chat_quota_resets_total",
			Help: "Billing-period counter resets applied.",
		},
	)
	warningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_chat_quota_warnings_total",
			Help: "Usage warnings emitted.",
		},
	)
)

func init() {
	prometheus.MustRegister(reservationsTotal, rollbacksTotal, resetsTotal, warningsTotal)
}
