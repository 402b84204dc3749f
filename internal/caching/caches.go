// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Caches contains the caches shared by the bridge components.
type Caches struct {
	ProxyRules   *ProxyRuleCache
	Transactions *TransactionCache
}

const (
	EnableMetrics  = true
	DisableMetrics = false
)

// NewCaches builds every cache from the cache config section.
func NewCaches(cfg *config.Cache, fetcher SystemFetcher, enableMetrics bool) (*Caches, error) {
	if enableMetrics {
		registerMetrics()
	}
	txns, err := NewTransactionCache(cfg.TransactionTTL)
	if err != nil {
		return nil, err
	}
	return &Caches{
		ProxyRules:   NewProxyRuleCache(fetcher, cfg.ProxyRuleTTL),
		Transactions: txns,
	}, nil
}

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "caching",
			Name:      "hits_total",
			Help:      "Number of cache lookups served from memory",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluralbridge",
			Subsystem: "caching",
			Name:      "misses_total",
			Help:      "Number of cache lookups that had to go to the source",
		},
		[]string{"cache"},
	)
	metricsOnce sync.Once
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(cacheHits, cacheMisses)
	})
}
