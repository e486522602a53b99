package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_deploy_selections_total",
		Help: "Variant selections by branch taken",
	}, []string{"branch"})

	metricBlacklisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_deploy_blacklisted_total",
		Help: "Variants moved to the blacklist",
	})
)
