package local

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVADStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_vad_starts_total",
		Help: "VAD speech start events",
	})

	metricVADEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_vad_ends_total",
		Help: "VAD speech end events",
	})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_local_barge_in_total",
		Help: "Output stops triggered by caller speech during playback",
	})

	metricTurnE2E = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_local_turn_e2e_ms",
		Help:    "End-to-end turn latency, speech end to last audio frame",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 10),
	})

	metricTurnErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_local_turn_errors_total",
		Help: "Pipeline stage failures by stage",
	}, []string{"stage"})
)
