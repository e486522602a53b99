package audio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_audio_frames_dropped_total",
		Help: "Frames evicted from a full session queue (backpressure)",
	})
)
