// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-im/syncd/syncapi/types"
)

func TestResponseCacheCoalescesWaiters(t *testing.T) {
	cache := newResponseCache(time.Minute)

	entry, owner := cache.getOrStart("key")
	require.True(t, owner)

	again, ownerAgain := cache.getOrStart("key")
	require.False(t, ownerAgain)
	require.Same(t, entry, again)

	res := types.NewResponse()
	var wg sync.WaitGroup
	results := make([]*types.Response, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := again.wait(context.Background())
			require.NoError(t, err)
			results[i] = got
		}()
	}
	entry.resolve(res, nil)
	wg.Wait()

	for _, got := range results {
		// Every waiter observes the same result object.
		assert.Same(t, res, got)
	}
}

func TestResponseCacheSharesFailure(t *testing.T) {
	cache := newResponseCache(time.Minute)
	entry, owner := cache.getOrStart("key")
	require.True(t, owner)

	boom := errors.New("storage exploded")
	entry.resolve(nil, boom)

	waiter, _ := cache.getOrStart("key")
	_, err := waiter.wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestResponseCacheWaiterContextCancel(t *testing.T) {
	cache := newResponseCache(time.Minute)
	entry, owner := cache.getOrStart("key")
	require.True(t, owner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := entry.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The computation is unaffected: a later waiter still gets the result.
	res := types.NewResponse()
	entry.resolve(res, nil)
	got, err := entry.wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, got)
}

func TestResponseCacheDistinctKeys(t *testing.T) {
	cache := newResponseCache(time.Minute)
	_, ownerA := cache.getOrStart("a")
	_, ownerB := cache.getOrStart("b")
	assert.True(t, ownerA)
	assert.True(t, ownerB)
}
