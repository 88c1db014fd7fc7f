// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-im/syncd/setup/config"
)

const (
	roomActivityCache byte = iota + 1
	syncFilterCache
)

// NewRistrettoCache creates the in-memory cache partitions on a single
// shared ristretto store. maxCost bounds the total memory spent across all
// partitions.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10),
		BufferItems: 64,
		MaxCost:     int64(maxCost),
		Metrics:     true,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return cache.Metrics.Ratio()
		}))
		_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		}))
	}
	return &Caches{
		RoomActivity: &RistrettoCachePartition[string, RoomActivityRef]{
			cache:  cache,
			Prefix: roomActivityCache,
			MaxAge: maxAge,
		},
		SyncFilters: &RistrettoCachePartition[string, SyncFilterEntry]{
			cache:  cache,
			Prefix: syncFilterCache,
			MaxAge: maxAge,
		},
	}
}

// RistrettoCachePartition is one keyspace on the shared store. An immutable
// partition panics when a key's value is changed or removed; keys that can
// only ever map to one value should live in immutable partitions.
type RistrettoCachePartition[K comparable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to mutate existing value of %q", bkey))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey)), c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %q", bkey))
	}
	c.cache.Del(bkey)
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
