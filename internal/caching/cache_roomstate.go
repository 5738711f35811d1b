// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"

	"github.com/element-hq/synchrotron/roomserver/types"
)

// Room scoped entries are keyed by the room's generation, which is bumped
// after every commit touching the room. A reader captures the key before it
// queries the database and stores under that key afterwards, so a value read
// before an invalidation can never be served after it. Superseded
// generations age out of the cache.
type roomGenerations struct {
	mu   sync.Mutex
	gens map[string]uint64
}

func newRoomGenerations() *roomGenerations {
	return &roomGenerations{gens: make(map[string]uint64)}
}

// RoomCacheKey returns the cache key for the room's current generation.
func (c *Caches) RoomCacheKey(roomID string) string {
	c.generations.mu.Lock()
	defer c.generations.mu.Unlock()
	return fmt.Sprintf("%s#%d", roomID, c.generations.gens[roomID])
}

// InvalidateRoom drops every room scoped entry for roomID.
func (c *Caches) InvalidateRoom(roomID string) {
	c.generations.mu.Lock()
	defer c.generations.mu.Unlock()
	c.generations.gens[roomID]++
}

// JoinedUsers is the set of users joined to a room.
type JoinedUsers []string

func (j JoinedUsers) CacheCost() int {
	cost := 24
	for _, u := range j {
		cost += len(u) + 16
	}
	return cost
}

// StateEntry wraps a current state lookup, Event is nil when the state
// tuple has no entry.
type StateEntry struct {
	Event *types.Event
}

func (s StateEntry) CacheCost() int {
	if s.Event == nil {
		return 8
	}
	return 128 + len(s.Event.Content) + len(s.Event.Unsigned)
}

// StateCacheKey combines a generation key with a state tuple.
func StateCacheKey(roomKey, eventType, stateKey string) string {
	return roomKey + "\x1f" + eventType + "\x1f" + stateKey
}

// TransactionCacheKey identifies a client transaction.
func TransactionCacheKey(userID, deviceID, txnID string) string {
	return userID + "\x1f" + deviceID + "\x1f" + txnID
}
