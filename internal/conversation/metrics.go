package conversation

import "github.com/prometheus/client_golang/prometheus"

var (
	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_claims_total",
			Help: "Claim attempts by outcome.",
		},
		[]string{"outcome"},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_transitions_total",
			Help: "Conversation status transitions by target status.",
		},
		[]string{"to"},
	)
	staleAIResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_chat_stale_ai_responses_total",
			Help: "AI responses discarded because the conversation moved on.",
		},
	)
)

func init() {
	prometheus.MustRegister(claimsTotal, transitionsTotal, staleAIResponsesTotal)
}
