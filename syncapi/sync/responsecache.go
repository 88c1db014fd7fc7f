// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/meridian-im/syncd/syncapi/types"
)

// responseCache coalesces identical sync polls. The first request for a key
// owns the computation; later requests with the same key block on the same
// entry and observe the same result, including failures. Resolved entries
// linger for the TTL so a client retrying after a dropped connection still
// gets the response it missed.
type responseCache struct {
	mu    sync.Mutex
	store *gocache.Cache
}

// cacheEntry is one in-flight or resolved computation. done is closed exactly
// once, after res/err are set.
type cacheEntry struct {
	done chan struct{}
	res  *types.Response
	err  error
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		store: gocache.New(ttl, ttl*2),
	}
}

// getOrStart returns the entry for a request key. The second return is true
// when the caller created the entry and must resolve it.
func (c *responseCache) getOrStart(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.store.Get(key); ok {
		return existing.(*cacheEntry), false
	}
	entry := &cacheEntry{
		done: make(chan struct{}),
	}
	c.store.SetDefault(key, entry)
	return entry, true
}

// resolve publishes the result to every waiter. Must be called exactly once,
// by the entry's owner.
func (e *cacheEntry) resolve(res *types.Response, err error) {
	e.res = res
	e.err = err
	close(e.done)
}

// wait blocks until the entry resolves or the waiter's own context ends. The
// computation keeps running either way.
func (e *cacheEntry) wait(ctx context.Context) (*types.Response, error) {
	select {
	case <-e.done:
		return e.res, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
