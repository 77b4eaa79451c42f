package main

import (
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fireice",
		Name:      "active_rooms",
		Help:      "Number of rooms currently open.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fireice",
		Name:      "active_sessions",
		Help:      "Number of sessions currently in a room.",
	})

	messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fireice",
		Name:      "messages_handled_total",
		Help:      "Inbound messages handled, by type.",
	}, []string{"type"})

	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fireice",
		Name:      "messages_dropped_total",
		Help:      "Outbound messages dropped because a client's send buffer was full.",
	})
)

func registerMetricsHandler(cfg *Config, mux *httprouter.Router) {
	mux.Handler("GET", cfg.prefix+"/metrics", promhttp.Handler())
}
