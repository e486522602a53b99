package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSendDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_send_dropped_total",
		Help: "Frames dropped because the provider writer was behind",
	})

	metricConnErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_conn_errors_total",
		Help: "Provider connection read/write failures",
	})

	metricBadFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_bad_messages_total",
		Help: "Undecodable messages received from the provider",
	})

	metricTurnE2E = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_provider_turn_e2e_ms",
		Help:    "End-to-end turn latency reported by the provider",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 10),
	})
)
