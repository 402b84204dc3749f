package crypto

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "crypto",
			Name:      "requests_total",
			Help:      "Outgoing session engine requests sent to the homeserver, by kind and outcome",
		},
		[]string{"type", "outcome"},
	)
	decryptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "crypto",
			Name:      "decryptions_total",
			Help:      "Room event decryption attempts by the bridge identity",
		},
		[]string{"outcome"},
	)
	enginesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pluralbridge",
			Subsystem: "crypto",
			Name:      "engines_open",
			Help:      "Number of session engines currently held in memory",
		},
	)
	enginesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "crypto",
			Name:      "engines_evicted_total",
			Help:      "Session engines replaced after their transport broke",
		},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(requestsDispatched, decryptions, enginesOpen, enginesEvicted)
	})
}
