package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_gateway_connections_total",
		Help: "Accepted and rejected transport connections by outcome.",
	}, []string{"outcome"})

	metricActiveConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tom_gateway_active_connections",
		Help: "Currently open call connections.",
	})

	metricRejectedMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_gateway_msgs_rejected_total",
		Help: "Inbound messages rejected at the gateway by reason.",
	}, []string{"reason"})
)
