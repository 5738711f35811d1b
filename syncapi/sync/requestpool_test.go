// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/types"
)

func doSync(t *testing.T, env *testEnv, userID, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync"+query, nil)
	rec := httptest.NewRecorder()
	env.pool.OnIncomingSyncRequest(rec, req, device(userID))
	return rec
}

func TestSyncHandlerStoresCheckpointAfterResponse(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)

	rec := doSync(t, env, alice, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res types.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Contains(t, res.Rooms.Join, roomID)

	tok, ok, err := env.db.Checkpoint(context.Background(), alice, "DEVICE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.NextBatch, tok)

	// A client that lost its token resumes from the checkpoint.
	rec = doSync(t, env, alice, "?timeout=0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", gjson.Get(rec.Body.String(), "rooms.join").Raw)
	assert.Equal(t, res.NextBatch.String(), gjson.Get(rec.Body.String(), "next_batch").Str)
}

func TestSyncHandlerIncrementalWithSince(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	rec := doSync(t, env, alice, "")
	since := gjson.Get(rec.Body.String(), "next_batch").Str

	msg := env.message(t, alice, "after the token")
	rec = doSync(t, env, alice, "?timeout=0&since="+since)
	require.Equal(t, http.StatusOK, rec.Code)
	events := gjson.Get(rec.Body.String(), "rooms.join."+gjson.Escape(roomID)+".timeline.events").Array()
	require.Len(t, events, 1)
	assert.Equal(t, msg.EventID(), events[0].Get("event_id").Str)
}

func TestSyncHandlerWaitsOnZeroToken(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doSync(t, env, bob, "?since=s0&timeout=10000")
	}()
	require.Eventually(t, func() bool {
		return env.n.WaiterCount(bob) == 1
	}, 5*time.Second, 10*time.Millisecond)
	env.n.Wake(bob)

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	case <-time.After(5 * time.Second):
		t.Fatal("sync with since=s0 did not return after a wake")
	}
	assert.Equal(t, 0, env.n.TotalWaiters())
}

func TestSyncHandlerRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t)
	for name, query := range map[string]string{
		"since":        "?since=garbage",
		"timeout":      "?timeout=soon",
		"full_state":   "?full_state=maybe",
		"set_presence": "?set_presence=busy",
	} {
		t.Run(name, func(t *testing.T) {
			rec := doSync(t, env, alice, query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "M_INVALID_PARAM", gjson.Get(rec.Body.String(), "errcode").Str)
		})
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestSyncHandlerSkipsCheckpointWhenWriteFails(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)

	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/sync", nil)
	env.pool.OnIncomingSyncRequest(failingWriter{httptest.NewRecorder()}, req, device(alice))

	_, ok, err := env.db.Checkpoint(context.Background(), alice, "DEVICE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlidingSyncHandler(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.state(t, alice, rstypes.MRoomName, "", `{"name":"Lobby"}`)

	body := `{"lists":{"all":{"ranges":[[0,10]],"timeline_limit":5,"required_state":[["m.room.name",""]]}}}`
	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/unstable/org.matrix.simplified_msc3575/sync", strings.NewReader(body))
	res := env.pool.OnIncomingSlidingSyncRequest(req, device(alice))
	require.Equal(t, http.StatusOK, res.Code)
	sliding, ok := res.JSON.(*types.SlidingSyncResponse)
	require.True(t, ok)
	assert.Equal(t, 1, sliding.Lists["all"].Count)
	require.Contains(t, sliding.Rooms, roomID)
	assert.Equal(t, "Lobby", sliding.Rooms[roomID].Name)
	require.Len(t, sliding.Rooms[roomID].RequiredState, 1)

	req = httptest.NewRequest(http.MethodPost, "/_matrix/client/unstable/org.matrix.simplified_msc3575/sync?pos=nope", strings.NewReader(body))
	res = env.pool.OnIncomingSlidingSyncRequest(req, device(alice))
	assert.Equal(t, http.StatusBadRequest, res.Code)
}
