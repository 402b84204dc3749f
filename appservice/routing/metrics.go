package routing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "appservice",
			Name:      "transactions_total",
			Help:      "Appservice transactions received, by outcome",
		},
		[]string{"outcome"},
	)
	transactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pluralbridge",
			Subsystem: "appservice",
			Name:      "transaction_duration_seconds",
			Help:      "Time spent processing one appservice transaction",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	streams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pluralbridge",
			Subsystem: "appservice",
			Name:      "update_streams",
			Help:      "Open system update streams",
		},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(transactions, transactionDuration, streams)
	})
}
