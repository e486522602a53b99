package bandit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_bandit_updates_total",
		Help: "Reward updates folded into arm posteriors",
	})

	metricPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_bandit_persist_errors_total",
		Help: "Failed bandit state writes",
	})
)
