package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_chat_ws_connections",
			Help: "Current number of active websocket connections.",
		},
	)
	wsChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_chat_ws_channels",
			Help: "Current number of notification channels.",
		},
	)
	wsMessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "support_chat_ws_messages_delivered_total",
			Help: "Total websocket messages delivered to clients.",
		},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_chat_events_published_total",
			Help: "Total notification events published, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsChannels, wsMessagesDelivered, eventsPublished)
}

func incConnections() {
	wsConnections.Inc()
}

func decConnections() {
	wsConnections.Dec()
}

func setChannels(count int) {
	wsChannels.Set(float64(count))
}

func addDelivered(count int) {
	wsMessagesDelivered.Add(float64(count))
}
