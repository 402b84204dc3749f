package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	handledEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "proxy",
			Name:      "events_total",
			Help:      "Inbound events by the rule that handled them",
		},
		[]string{"rule"},
	)
	commandsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "proxy",
			Name:      "commands_total",
			Help:      "Chat commands run, by command",
		},
		[]string{"command"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(handledEvents, commandsRun)
	})
}
