package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections_active",
		Help: "Currently open websocket connections.",
	})
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_broadcasts_total",
		Help: "Events fanned out to room members.",
	})
	DroppedConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_connections_total",
		Help: "Connections dropped because their send queue was full.",
	})
	MalformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_malformed_frames_total",
		Help: "Inbound frames that failed envelope decoding.",
	})
	MessagesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_created_total",
		Help: "Messages durably written to the store.",
	})
	MessagesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_deleted_total",
		Help: "Messages deleted from the store.",
	})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
