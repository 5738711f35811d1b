// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/roomserver/types"
)

const defaultTypingTimeout = 10 * time.Second

// typingJanitorInterval bounds how late an expired typing notification is
// announced to the room.
const typingJanitorInterval = 250 * time.Millisecond

// PositionAllocator runs fn with a freshly allocated stream position. It must
// serialise with every other position allocation so that typing changes are
// ordered against committed data.
type PositionAllocator func(fn func(pos types.StreamPosition)) error

// TimeoutCallbackFn is a function called right after the removal of a user
// from the typing user list due to timeout.
// latestSyncPosition is the typing sync position after the removal.
type TimeoutCallbackFn func(userID, roomID string, latestSyncPosition types.StreamPosition)

// EDUCache maintains a list of users typing in each room.
type EDUCache struct {
	sync.RWMutex
	latestSyncPosition types.StreamPosition
	data               map[string]*roomData
	entries            *gocache.Cache
	allocate           PositionAllocator
	timeoutCallback    TimeoutCallbackFn
}

type roomData struct {
	syncPosition types.StreamPosition
	userSet      map[string]struct{}
}

// NewTypingCache returns a new EDUCache initialised for use.
func NewTypingCache(allocate PositionAllocator) *EDUCache {
	t := &EDUCache{
		data:     make(map[string]*roomData),
		entries:  gocache.New(defaultTypingTimeout, typingJanitorInterval),
		allocate: allocate,
	}
	t.entries.OnEvicted(t.onEvicted)
	return t
}

// SetTimeoutCallback sets a callback function that is called right after
// a user is removed from the typing user list due to timeout.
func (t *EDUCache) SetTimeoutCallback(fn TimeoutCallbackFn) {
	t.Lock()
	defer t.Unlock()
	t.timeoutCallback = fn
}

// GetTypingUsers returns the list of users typing in a room.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	users, _ := t.RoomTyping(roomID)
	return users
}

// RoomTyping returns the users typing in roomID together with the position
// of the room's last typing change. Expired users are left out even if the
// janitor has not removed them yet.
func (t *EDUCache) RoomTyping(roomID string) (users []string, pos types.StreamPosition) {
	t.RLock()
	defer t.RUnlock()
	room, ok := t.data[roomID]
	if !ok {
		return []string{}, ""
	}
	users = make([]string, 0, len(room.userSet))
	for userID := range room.userSet {
		if _, found := t.entries.Get(typingKey(roomID, userID)); found {
			users = append(users, userID)
		}
	}
	return users, room.syncPosition
}

// GetLatestSyncPosition returns the position of the latest typing change.
func (t *EDUCache) GetLatestSyncPosition() types.StreamPosition {
	t.RLock()
	defer t.RUnlock()
	return t.latestSyncPosition
}

// AddTypingUser sets a user as typing in a room until expire. If expire is
// nil the default timeout applies. Returns the latest sync position for
// typing after the update.
func (t *EDUCache) AddTypingUser(userID, roomID string, expire *time.Time) (types.StreamPosition, error) {
	expireTime := time.Now().Add(defaultTypingTimeout)
	if expire != nil {
		expireTime = *expire
	}
	ttl := time.Until(expireTime)
	if ttl <= 0 {
		return t.GetLatestSyncPosition(), nil
	}
	var latest types.StreamPosition
	err := t.allocate(func(pos types.StreamPosition) {
		t.Lock()
		defer t.Unlock()
		room, ok := t.data[roomID]
		if !ok {
			room = &roomData{userSet: make(map[string]struct{})}
			t.data[roomID] = room
		}
		room.userSet[userID] = struct{}{}
		room.syncPosition = pos
		t.latestSyncPosition = pos
		t.entries.Set(typingKey(roomID, userID), expireTime, ttl)
		latest = pos
	})
	return latest, err
}

// RemoveUser removes a user from a room's typing list. If the user was not
// typing nothing changes and the current latest position is returned.
func (t *EDUCache) RemoveUser(userID, roomID string) (types.StreamPosition, error) {
	var latest types.StreamPosition
	err := t.allocate(func(pos types.StreamPosition) {
		var removed bool
		if removed, latest = t.removeLocked(userID, roomID, pos); removed {
			t.entries.Delete(typingKey(roomID, userID))
		}
	})
	return latest, err
}

func (t *EDUCache) removeLocked(userID, roomID string, pos types.StreamPosition) (bool, types.StreamPosition) {
	t.Lock()
	defer t.Unlock()
	room, ok := t.data[roomID]
	if !ok {
		return false, t.latestSyncPosition
	}
	if _, ok = room.userSet[userID]; !ok {
		return false, t.latestSyncPosition
	}
	delete(room.userSet, userID)
	room.syncPosition = pos
	t.latestSyncPosition = pos
	return true, pos
}

// onEvicted runs once go-cache drops an entry. Explicit removals have
// already been accounted for by RemoveUser, which deletes the entry from
// inside the allocator, so this must return before allocating for them.
func (t *EDUCache) onEvicted(key string, value interface{}) {
	if expiry, ok := value.(time.Time); !ok || time.Now().Before(expiry) {
		return
	}
	roomID, userID, ok := splitTypingKey(key)
	if !ok || !t.isTyping(roomID, userID) {
		return
	}
	var removed bool
	var latest types.StreamPosition
	err := t.allocate(func(pos types.StreamPosition) {
		if _, found := t.entries.Get(key); found {
			// typing again since the entry expired
			return
		}
		removed, latest = t.removeLocked(userID, roomID, pos)
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"user_id": userID,
		}).Error("Failed to expire typing notification")
		return
	}
	t.RLock()
	callback := t.timeoutCallback
	t.RUnlock()
	if removed && callback != nil {
		callback(userID, roomID, latest)
	}
}

func (t *EDUCache) isTyping(roomID, userID string) bool {
	t.RLock()
	defer t.RUnlock()
	room, ok := t.data[roomID]
	if !ok {
		return false
	}
	_, ok = room.userSet[userID]
	return ok
}

func typingKey(roomID, userID string) string {
	return roomID + "\x1f" + userID
}

func splitTypingKey(key string) (roomID, userID string, ok bool) {
	roomID, userID, ok = strings.Cut(key, "\x1f")
	return
}
