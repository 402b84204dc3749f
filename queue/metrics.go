package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	queueDepthValue atomic.Int64
	queueDepth      = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pluralbridge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of ghost messages waiting or in flight across all rooms",
		},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
	deadLetters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pluralbridge",
			Subsystem: "queue",
			Name:      "dead_letters",
			Help:      "Number of dead letters held in the vault",
		},
	)
)

const (
	outcomeDelivered    = "delivered"
	outcomeRetried      = "retried"
	outcomeFallbackBot  = "fallback_bot"
	outcomeDeadLettered = "dead_lettered"
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(queueDepth, outcomes, deadLetters)
	})
}

func observeQueueDepth(delta int64) {
	queueDepth.Set(float64(queueDepthValue.Add(delta)))
}
