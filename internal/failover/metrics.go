package failover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tom/voicecore/internal/session"
)

var (
	metricFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_provider_failover_total",
		Help: "Backend switches triggered by health detectors",
	})

	metricBackend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tom_realtime_backend",
		Help: "Active realtime backend (1 = serving)",
	}, []string{"backend"})
)

func setBackendGauge(active session.BackendKind) {
	for _, k := range []session.BackendKind{session.BackendProvider, session.BackendLocal} {
		v := 0.0
		if k == active {
			v = 1.0
		}
		metricBackend.WithLabelValues(string(k)).Set(v)
	}
}
