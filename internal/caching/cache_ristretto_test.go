// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// =============================================================================
// Helper Functions
// =============================================================================

// createTestCache creates a new Ristretto cache for testing
func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

// createDefaultTestCache creates a cache with sensible defaults
func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour) // 1MB cache, 1 hour TTL
}

// createShortLivedCache creates a cache with short TTL for expiration tests
func createShortLivedCache(t *testing.T, ttl time.Duration) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, ttl)
}

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond) // Ristretto uses async operations
}

// =============================================================================
// RistrettoCachePartition Basic Operations
// =============================================================================

func TestRistrettoCachePartition_Set_StoresValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	ref := RoomActivityRef{EventID: "$ev1", Timestamp: 1000}
	cache.RoomActivity.Set("!room1:server@10", ref)
	waitForCacheProcessing(t)

	retrieved, ok := cache.RoomActivity.Get("!room1:server@10")

	assert.True(t, ok, "Expected value to be found in cache")
	assert.Equal(t, ref, retrieved)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	ref, ok := cache.RoomActivity.Get("!nonexistent:server@1")

	assert.False(t, ok)
	assert.Equal(t, RoomActivityRef{}, ref)
}

func TestRistrettoCachePartition_SetMultipleKeys_AllRetrievable(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	testCases := []struct {
		key string
		ref RoomActivityRef
	}{
		{"!room1:server@5", RoomActivityRef{EventID: "$a", Timestamp: 100}},
		{"!room2:server@5", RoomActivityRef{EventID: "$b", Timestamp: 200}},
		{"!room3:server@9", RoomActivityRef{EventID: "$c", Timestamp: 300}},
	}

	for _, tc := range testCases {
		cache.RoomActivity.Set(tc.key, tc.ref)
	}
	waitForCacheProcessing(t)

	for _, tc := range testCases {
		ref, ok := cache.RoomActivity.Get(tc.key)
		assert.True(t, ok, "Expected to find %s in cache", tc.key)
		assert.Equal(t, tc.ref, ref, "Value mismatch for %s", tc.key)
	}
}

// =============================================================================
// TTL and Expiration Tests
// =============================================================================

func TestRistrettoCachePartition_TTL_ExpiresAfterMaxAge(t *testing.T) {
	t.Parallel()

	// Create cache with very short TTL
	cache := createShortLivedCache(t, 50*time.Millisecond)

	cache.RoomActivity.Set("!room1:server@1", RoomActivityRef{EventID: "$a"})
	waitForCacheProcessing(t)

	// Verify it's there initially
	_, ok := cache.RoomActivity.Get("!room1:server@1")
	assert.True(t, ok, "Value should be present immediately after Set")

	// Verify expiration after TTL with polling
	require.Eventually(t, func() bool {
		_, found := cache.RoomActivity.Get("!room1:server@1")
		return !found
	}, 200*time.Millisecond, 10*time.Millisecond,
		"Value should have expired after MaxAge")
}

// =============================================================================
// Immutable Cache Tests
// =============================================================================

func TestRistrettoCachePartition_ImmutableCache_PanicsOnValueChange(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.RoomActivity.Set("!room1:server@10", RoomActivityRef{EventID: "$a"})
	waitForCacheProcessing(t)

	// Attempt to change value should panic (RoomActivity is immutable)
	assert.Panics(t, func() {
		cache.RoomActivity.Set("!room1:server@10", RoomActivityRef{EventID: "$b"})
	}, "Setting different value in immutable cache should panic")
	waitForCacheProcessing(t)
}

func TestRistrettoCachePartition_ImmutableCache_AllowsSameValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.RoomActivity.Set("!room1:server@10", RoomActivityRef{EventID: "$a"})
	waitForCacheProcessing(t)

	// Setting same value should not panic
	assert.NotPanics(t, func() {
		cache.RoomActivity.Set("!room1:server@10", RoomActivityRef{EventID: "$a"})
	}, "Setting same value in immutable cache should not panic")
	waitForCacheProcessing(t)
}

func TestRistrettoCachePartition_ImmutableCache_PanicsOnUnset(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.RoomActivity.Set("!room1:server@10", RoomActivityRef{EventID: "$a"})
	waitForCacheProcessing(t)

	// Unset on immutable cache should panic
	assert.Panics(t, func() {
		cache.RoomActivity.Unset("!room1:server@10")
	}, "Unset on immutable cache should panic")
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestRistrettoCachePartition_ConcurrentWrites_ThreadSafe(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	const numGoroutines = 100
	const numWrites = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numWrites; j++ {
				key := fmt.Sprintf("!room%d-%d:server@1", id, j)
				cache.RoomActivity.Set(key, RoomActivityRef{EventID: "$ev"})
			}
		}(i)
	}

	wg.Wait()
	waitForCacheProcessing(t)

	// Verify a sample of keys from different goroutines
	keysToCheck := []string{
		"!room0-0:server@1",  // First goroutine, first write
		"!room50-5:server@1", // Middle goroutine, middle write
		"!room99-9:server@1", // Last goroutine, last write
	}

	for _, key := range keysToCheck {
		ref, ok := cache.RoomActivity.Get(key)
		assert.True(t, ok, "Expected to find %s in cache after concurrent writes", key)
		assert.Equal(t, "$ev", ref.EventID, "Expected correct value for %s", key)
	}
}

// =============================================================================
// Specialized Cache Tests - RoomActivity wrappers
// =============================================================================

func TestCaches_RoomActivity_StoresAndRetrieves(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomActivity("!room1:server", types.StreamPosition(42), "$latest", spec.Timestamp(12345))
	waitForCacheProcessing(t)

	ref, ok := cache.GetRoomActivity("!room1:server", types.StreamPosition(42))

	assert.True(t, ok)
	assert.Equal(t, "$latest", ref.EventID)
	assert.Equal(t, spec.Timestamp(12345), ref.Timestamp)
}

func TestCaches_RoomActivity_DifferentPositionsSeparate(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreRoomActivity("!room1:server", 10, "$ev10", 1000)
	cache.StoreRoomActivity("!room1:server", 20, "$ev20", 2000)
	waitForCacheProcessing(t)

	ref10, ok10 := cache.GetRoomActivity("!room1:server", 10)
	ref20, ok20 := cache.GetRoomActivity("!room1:server", 20)

	assert.True(t, ok10)
	assert.True(t, ok20)
	assert.Equal(t, "$ev10", ref10.EventID)
	assert.Equal(t, "$ev20", ref20.EventID)
}

func TestCaches_RoomActivity_MissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	_, ok := cache.GetRoomActivity("!nonexistent:server", 1)

	assert.False(t, ok)
}

// =============================================================================
// Specialized Cache Tests - SyncFilters wrappers
// =============================================================================

func TestCaches_SyncFilters_StoresAndRetrieves(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	filter := synctypes.DefaultFilter()
	filter.Room.Timeline.Limit = 5
	filterJSON := `{"room":{"timeline":{"limit":5}}}`

	cache.StoreParsedSyncFilter(filterJSON, filter)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetParsedSyncFilter(filterJSON)

	assert.True(t, ok)
	assert.Equal(t, 5, retrieved.Room.Timeline.Limit)
}

func TestCaches_SyncFilters_MissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	_, ok := cache.GetParsedSyncFilter(`{"never":"seen"}`)

	assert.False(t, ok)
}

// =============================================================================
// NewRistrettoCache Configuration Tests
// =============================================================================

func TestNewRistrettoCache_CreatesValidCache(t *testing.T) {
	t.Parallel()

	cache := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	require.NotNil(t, cache)
	require.NotNil(t, cache.RoomActivity)
	require.NotNil(t, cache.SyncFilters)
}

func TestNewRistrettoCache_WithMetrics_DoesNotPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		cache := NewRistrettoCache(1024*1024, time.Hour, EnableMetrics)
		require.NotNil(t, cache)
	})
}

func TestNewRistrettoCache_SmallMaxCost_Works(t *testing.T) {
	t.Parallel()

	cache := NewRistrettoCache(1024, 10*time.Minute, DisableMetrics) // 1KB cache

	cache.RoomActivity.Set("!room:server@1", RoomActivityRef{EventID: "$a"})
	waitForCacheProcessing(t)

	ref, ok := cache.RoomActivity.Get("!room:server@1")
	assert.True(t, ok)
	assert.Equal(t, "$a", ref.EventID)
}
