// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/roomserver/types"
)

func testAllocator() PositionAllocator {
	var mu sync.Mutex
	gen := types.NewStreamIDGenerator()
	return func(fn func(pos types.StreamPosition)) error {
		mu.Lock()
		defer mu.Unlock()
		fn(gen.Next())
		return nil
	}
}

func TestEDUCache(t *testing.T) {
	tCache := NewTypingCache(testAllocator())

	t.Run("AddTypingUser", func(t *testing.T) {
		present := time.Now()
		tests := []struct {
			userID string
			roomID string
			expire *time.Time
		}{ // Set four users typing state to room1
			{"user1", "room1", nil},
			{"user2", "room1", nil},
			{"user3", "room1", nil},
			{"user4", "room1", nil},
			//typing state with past expireTime should not take effect or removed.
			{"user1", "room2", &present},
		}
		for _, tt := range tests {
			_, err := tCache.AddTypingUser(tt.userID, tt.roomID, tt.expire)
			require.NoError(t, err)
		}
	})

	t.Run("GetTypingUsers", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"user1", "user2", "user3", "user4"}, tCache.GetTypingUsers("room1"))
		assert.Empty(t, tCache.GetTypingUsers("room2"))
	})

	t.Run("RemoveUser", func(t *testing.T) {
		tests := []struct {
			roomID  string
			userIDs []string
		}{
			{"room3", []string{"user1"}},
			{"room4", []string{"user1", "user2", "user3"}},
		}
		for _, tt := range tests {
			for _, userID := range tt.userIDs {
				_, err := tCache.AddTypingUser(userID, tt.roomID, nil)
				require.NoError(t, err)
			}
			length := len(tt.userIDs)
			_, err := tCache.RemoveUser(tt.userIDs[length-1], tt.roomID)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.userIDs[:length-1], tCache.GetTypingUsers(tt.roomID))
		}
	})
}

func TestTypingCache_TimeoutCallbackTriggeredOnExpiry(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	type call struct {
		userID, roomID string
		pos            types.StreamPosition
	}
	calls := make(chan call, 1)
	cache.SetTimeoutCallback(func(userID, roomID string, latestSyncPosition types.StreamPosition) {
		calls <- call{userID, roomID, latestSyncPosition}
	})

	shortExpiry := time.Now().Add(5 * time.Millisecond)
	addedAt, err := cache.AddTypingUser("@alice:server", "!room:server", &shortExpiry)
	require.NoError(t, err)

	select {
	case c := <-calls:
		assert.Equal(t, "@alice:server", c.userID)
		assert.Equal(t, "!room:server", c.roomID)
		assert.True(t, c.pos.After(addedAt), "expiry must move the typing stream forward")
		assert.Equal(t, c.pos, cache.GetLatestSyncPosition())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback was not called")
	}

	users, pos := cache.RoomTyping("!room:server")
	assert.Empty(t, users)
	assert.Equal(t, cache.GetLatestSyncPosition(), pos)
}

func TestTypingCache_ExpiredUsersAreHiddenBeforeJanitorRuns(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	expiry := time.Now().Add(20 * time.Millisecond)
	_, err := cache.AddTypingUser("@alice:server", "!room:server", &expiry)
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:server"}, cache.GetTypingUsers("!room:server"))

	require.Eventually(t, func() bool {
		return len(cache.GetTypingUsers("!room:server")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingCache_RemoveUserDoesNotFireCallback(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	called := make(chan struct{}, 1)
	cache.SetTimeoutCallback(func(string, string, types.StreamPosition) {
		called <- struct{}{}
	})

	future := time.Now().Add(10 * time.Second)
	added, err := cache.AddTypingUser("@alice:server", "!room:server", &future)
	require.NoError(t, err)
	removed, err := cache.RemoveUser("@alice:server", "!room:server")
	require.NoError(t, err)
	assert.True(t, removed.After(added))

	select {
	case <-called:
		t.Fatal("explicit removal must not be reported as a timeout")
	case <-time.After(3 * typingJanitorInterval):
	}
}

func TestTypingCache_AddTypingUser_UpdateExisting(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	future := time.Now().Add(10 * time.Second)
	syncPos1, err := cache.AddTypingUser("@alice:server", "!room:server", &future)
	require.NoError(t, err)
	syncPos2, err := cache.AddTypingUser("@alice:server", "!room:server", &future)
	require.NoError(t, err)

	assert.True(t, syncPos2.After(syncPos1), "Sync position should increment on update")
	assert.Equal(t, []string{"@alice:server"}, cache.GetTypingUsers("!room:server"))
}

func TestTypingCache_AddTypingUser_ExpiredTime(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	future := time.Now().Add(10 * time.Second)
	valid, err := cache.AddTypingUser("@bob:server", "!room:server", &future)
	require.NoError(t, err)

	pastTime := time.Now().Add(-10 * time.Second)
	syncPos, err := cache.AddTypingUser("@alice:server", "!room:server", &pastTime)
	require.NoError(t, err)

	assert.Equal(t, valid, syncPos, "Should return current sync position")
	assert.Equal(t, []string{"@bob:server"}, cache.GetTypingUsers("!room:server"))
}

func TestTypingCache_RemoveUser_NotTyping(t *testing.T) {
	t.Parallel()
	cache := NewTypingCache(testAllocator())

	syncPos, err := cache.RemoveUser("@alice:server", "!nonexistent:server")
	require.NoError(t, err)
	assert.True(t, syncPos.IsZero())

	future := time.Now().Add(10 * time.Second)
	added, err := cache.AddTypingUser("@alice:server", "!room:server", &future)
	require.NoError(t, err)

	syncPos, err = cache.RemoveUser("@bob:server", "!room:server")
	require.NoError(t, err)
	assert.Equal(t, added, syncPos)
	assert.Equal(t, []string{"@alice:server"}, cache.GetTypingUsers("!room:server"))
}
