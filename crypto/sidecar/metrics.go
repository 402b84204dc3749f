package sidecar

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "sidecar",
			Name:      "calls_total",
			Help:      "Calls made to session helper processes, by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pluralbridge",
			Subsystem: "sidecar",
			Name:      "call_duration_seconds",
			Help:      "Round trip time of session helper calls",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)
	helpersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pluralbridge",
			Subsystem: "sidecar",
			Name:      "helpers_running",
			Help:      "Session helper processes currently running",
		},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(calls, callDuration, helpersRunning)
	})
}
