package caching

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCache(t *testing.T) {
	cache, err := NewTransactionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	assert.False(t, cache.Seen("txn1"))
	cache.Store("txn1")
	assert.True(t, cache.Seen("txn1"))
	assert.False(t, cache.Seen("txn2"))
}

func TestTransactionCacheExpiry(t *testing.T) {
	cache, err := NewTransactionCache(50 * time.Millisecond)
	require.NoError(t, err)
	defer cache.Close()

	cache.Store("txn1")
	require.True(t, cache.Seen("txn1"))
	assert.Eventually(t, func() bool {
		return !cache.Seen("txn1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTransactionCacheReserve(t *testing.T) {
	cache, err := NewTransactionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	require.Equal(t, Reserved, cache.Reserve("txn1"))
	assert.Equal(t, InFlight, cache.Reserve("txn1"))
	assert.Equal(t, Reserved, cache.Reserve("txn2"))

	// A released reservation can be taken again.
	cache.Release("txn2")
	assert.Equal(t, Reserved, cache.Reserve("txn2"))

	cache.Store("txn1")
	assert.Equal(t, AlreadyStored, cache.Reserve("txn1"))
	assert.True(t, cache.Seen("txn1"))
}

func TestTransactionCacheReserveIsExclusive(t *testing.T) {
	cache, err := NewTransactionCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	var (
		wg       sync.WaitGroup
		reserved atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Reserve("txn1") == Reserved {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), reserved.Load())
}
