// Package metrics provides Prometheus instrumentation for the chat widget
// client. It exposes counters for frame throughput and dropped events, a
// gauge for the connection status, and a histogram for connect latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts WebSocket frames, labeled by direction: "in" or "out".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_frames_total",
		Help: "Total number of WebSocket frames sent and received",
	}, []string{"direction"})

	// EventsDropped counts inbound frames the router discarded, labeled by
	// reason: "unknown", "malformed" or "panic".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_events_dropped_total",
		Help: "Inbound events dropped by the router",
	}, []string{"reason"})

	// Reconnects counts reconnect attempts after an unexpected drop.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "widget_reconnects_total",
		Help: "Reconnect attempts after an unexpected disconnect",
	})

	// ConnectLatency records the time from dial to the server's connected ack.
	ConnectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "widget_connect_latency_seconds",
		Help:    "Time from dial to authenticated connection",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 12},
	})

	// ConnectionStatus is 1 for the current status label and 0 for the others.
	ConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "widget_connection_status",
		Help: "Current connection status of the widget",
	}, []string{"status"})

	// IntentsTotal counts visitor intents, labeled by intent and result
	// ("ok" or the failure reason).
	IntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_intents_total",
		Help: "Visitor intents issued through the session client",
	}, []string{"intent", "result"})
)

var statuses = []string{"disconnected", "connecting", "connected", "error"}

func init() {
	prometheus.MustRegister(
		FramesTotal,
		EventsDropped,
		Reconnects,
		ConnectLatency,
		ConnectionStatus,
		IntentsTotal,
	)
}

// SetStatus marks status as the current connection status.
func SetStatus(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
