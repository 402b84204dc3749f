package gatekeeper

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pluralbridge",
		Subsystem: "gatekeeper",
		Name:      "decisions_total",
		Help:      "Pre-storage decisions by action and reason",
	},
	[]string{"action", "reason"},
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(decisions)
	})
}
