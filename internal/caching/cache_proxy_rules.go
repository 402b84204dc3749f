// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
	"maunium.net/go/mautrix/id"
)

const proxyRulesCacheName = "proxy_rules"

// SystemFetcher loads the system an account belongs to, or nil if none.
type SystemFetcher interface {
	SystemByAccount(ctx context.Context, account id.UserID) (*api.System, error)
}

// ProxyRuleCache caches each account's system, including the absence of
// one, for a bounded time. Invalidate must be called for every affected
// account whenever a system, member or link changes.
type ProxyRuleCache struct {
	fetcher SystemFetcher
	ttl     time.Duration
	entries *cache.Cache
	// Bumped on every invalidation. A fetch that overlapped an
	// invalidation is returned but not stored.
	generation atomic.Uint64
}

func NewProxyRuleCache(fetcher SystemFetcher, ttl time.Duration) *ProxyRuleCache {
	return &ProxyRuleCache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: cache.New(ttl, 2*ttl),
	}
}

// Get returns the account's system. A nil system with a nil error means the
// account has no system.
func (c *ProxyRuleCache) Get(ctx context.Context, account id.UserID) (*api.System, error) {
	if v, ok := c.entries.Get(string(account)); ok {
		cacheHits.WithLabelValues(proxyRulesCacheName).Inc()
		return v.(*api.System), nil
	}
	cacheMisses.WithLabelValues(proxyRulesCacheName).Inc()

	generation := c.generation.Load()
	sys, err := c.fetcher.SystemByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if c.generation.Load() == generation {
		c.entries.Set(string(account), sys, c.ttl)
	}
	return sys, nil
}

// Invalidate drops the account's entry so the next Get refetches it.
func (c *ProxyRuleCache) Invalidate(account id.UserID) {
	c.generation.Inc()
	c.entries.Delete(string(account))
}

func (c *ProxyRuleCache) Len() int {
	return c.entries.ItemCount()
}
