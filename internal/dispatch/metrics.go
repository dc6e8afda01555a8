package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	aiDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_ai_dispatches_total",
			Help: "AI dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	handoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_handoffs_total",
			Help: "Conversations handed to the available pool by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(aiDispatchesTotal, handoffsTotal)
}
