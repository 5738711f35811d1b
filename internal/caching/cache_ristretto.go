// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/element-hq/synchrotron/setup/config"
)

const (
	roomJoinedUsersCache byte = iota + 1
	roomStateEventsCache
	transactionIDsCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

var registerCacheMetrics sync.Once

func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                           // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),               // max cost is in bytes, as per the config
		Metrics:     true,
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		registerCacheMetrics.Do(func() {
			promauto.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "synchrotron",
				Subsystem: "caching_ristretto",
				Name:      "ratio",
			}, func() float64 {
				return float64(cache.Metrics.Ratio())
			})
			promauto.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "synchrotron",
				Subsystem: "caching_ristretto",
				Name:      "cost",
			}, func() float64 {
				return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
			})
		})
	}
	return &Caches{
		RoomJoinedUsers: &RistrettoCostedCachePartition[string, JoinedUsers]{ // room generation key -> joined users
			&RistrettoCachePartition[string, JoinedUsers]{
				cache:   cache,
				Prefix:  roomJoinedUsersCache,
				Mutable: true,
				MaxAge:  maxAge,
			},
		},
		RoomStateEvents: &RistrettoCostedCachePartition[string, StateEntry]{ // room generation key + tuple -> event
			&RistrettoCachePartition[string, StateEntry]{
				cache:   cache,
				Prefix:  roomStateEventsCache,
				Mutable: true,
				MaxAge:  maxAge,
			},
		},
		TransactionIDs: &RistrettoCachePartition[string, string]{ // txn key -> event ID
			cache:   cache,
			Prefix:  transactionIDsCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
		generations: newRoomGenerations(),
		wait:        cache.Wait,
	}
}

type RistrettoCostedCachePartition[k keyable, v costable] struct {
	*RistrettoCachePartition[k, v]
}

func (c RistrettoCostedCachePartition[K, V]) Set(key K, value V) {
	cost := value.CacheCost()
	c.setWithCost(key, value, cost)
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", key, v, value))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+int64(cost), c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	var cost int
	if cv, ok := any(value).(string); ok {
		cost = len(cv)
	} else {
		cost = int(unsafe.Sizeof(value))
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
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

// Wait blocks until buffered writes are visible to readers.
func (c *Caches) Wait() {
	if c.wait != nil {
		c.wait()
	}
}
