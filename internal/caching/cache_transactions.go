// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"
)

const transactionsCacheName = "transactions"

// Reservation is the outcome of TransactionCache.Reserve.
type Reservation int

const (
	// Reserved means the caller now owns the transaction ID and must either
	// Store or Release it.
	Reserved Reservation = iota
	// AlreadyStored means the transaction was accepted before.
	AlreadyStored
	// InFlight means another request holds the reservation.
	InFlight
)

// TransactionCache remembers recently accepted appservice transaction IDs
// so that homeserver retries are not processed twice.
type TransactionCache struct {
	ttl      time.Duration
	cache    *ristretto.Cache
	inFlight *gocache.Cache
}

func NewTransactionCache(ttl time.Duration) (*TransactionCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TransactionCache{ttl: ttl, cache: cache, inFlight: gocache.New(ttl, ttl)}, nil
}

// Seen reports whether txnID was already stored.
func (c *TransactionCache) Seen(txnID string) bool {
	_, ok := c.cache.Get(txnID)
	if ok {
		cacheHits.WithLabelValues(transactionsCacheName).Inc()
	} else {
		cacheMisses.WithLabelValues(transactionsCacheName).Inc()
	}
	return ok
}

// Reserve claims txnID unless it was already stored or another caller
// holds it. The claim is taken first, so at most one caller can see an
// unstored ID at a time.
func (c *TransactionCache) Reserve(txnID string) Reservation {
	if err := c.inFlight.Add(txnID, struct{}{}, gocache.DefaultExpiration); err != nil {
		return InFlight
	}
	if c.Seen(txnID) {
		c.inFlight.Delete(txnID)
		return AlreadyStored
	}
	return Reserved
}

// Release gives up a reservation without storing txnID, so that a retry
// is processed.
func (c *TransactionCache) Release(txnID string) {
	c.inFlight.Delete(txnID)
}

// Store records txnID and then drops any reservation for it. Writes are
// applied before Store returns.
func (c *TransactionCache) Store(txnID string) {
	c.cache.SetWithTTL(txnID, struct{}{}, 1, c.ttl)
	c.cache.Wait()
	c.inFlight.Delete(txnID)
}

func (c *TransactionCache) Close() {
	c.cache.Close()
}
