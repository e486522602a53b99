package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_call_state_transitions_total",
		Help: "Call FSM state transitions",
	}, []string{"from", "to"})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_call_barge_in_total",
		Help: "Barge-ins handled while the assistant was speaking",
	})

	metricFirstAudioMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_call_first_audio_ms",
		Help:    "Latency from end of user speech to first response audio",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricCallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_call_ended_total",
		Help: "Calls ended by cause",
	}, []string{"cause"})

	metricRelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_call_relay_dropped_total",
		Help: "Relay events dropped because the transport writer was behind",
	})

	metricOutboxHeld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_call_outbox_held_total",
		Help: "Call outcomes held in the outbox after a persistence failure",
	})
)
