// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
)

type memoryStore struct {
	mu      sync.Mutex
	gen     *types.StreamIDGenerator
	events  []*types.Event
	state   map[string]*types.Event
	failErr error
	reads   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{gen: types.NewStreamIDGenerator(), state: map[string]*types.Event{}}
}

func (m *memoryStore) AppendEvent(_ context.Context, ev *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	ev.ID = m.gen.Next()
	m.events = append(m.events, ev)
	if ev.StateKey != nil {
		m.state[ev.RoomID+"|"+ev.Type+"|"+*ev.StateKey] = ev
	}
	return nil
}

func (m *memoryStore) CurrentStateEvent(_ context.Context, roomID, evType, stateKey string) (*types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.state[roomID+"|"+evType+"|"+stateKey], nil
}

func (m *memoryStore) JoinedUsersInRoom(_ context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var joined []string
	for key, ev := range m.state {
		if !strings.HasPrefix(key, roomID+"|"+types.MRoomMember+"|") {
			continue
		}
		if membership, _ := ev.Membership(); membership == types.Join {
			joined = append(joined, *ev.StateKey)
		}
	}
	sort.Strings(joined)
	return joined, nil
}

type recordingWaker struct {
	mu    sync.Mutex
	woken []string
}

func (w *recordingWaker) Wake(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken = append(w.woken, userID)
}

func (w *recordingWaker) take() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.woken
	w.woken = nil
	sort.Strings(out)
	return out
}

type recordingEvaluator struct {
	outputs []*api.OutputRoomEvent
	err     error
}

func (e *recordingEvaluator) OnNewEvent(_ context.Context, output *api.OutputRoomEvent) error {
	e.outputs = append(e.outputs, output)
	return e.err
}

type recordingMedia struct {
	refs map[string][]string
}

func (m *recordingMedia) TrackReferences(_ context.Context, eventID string, mxcURIs []string) error {
	m.refs[eventID] = mxcURIs
	return nil
}

type testLog struct {
	*EventLog
	store     *memoryStore
	waker     *recordingWaker
	evaluator *recordingEvaluator
	media     *recordingMedia
}

func newTestLog(t *testing.T) *testLog {
	t.Helper()
	cfg := &config.Synchrotron{}
	cfg.Defaults(config.DefaultOpts{Generate: true})
	tl := &testLog{
		store:     newMemoryStore(),
		waker:     &recordingWaker{},
		evaluator: &recordingEvaluator{},
		media:     &recordingMedia{refs: map[string][]string{}},
	}
	tl.EventLog = &EventLog{
		Cfg:       &cfg.RoomServer,
		DB:        tl.store,
		Cache:     caching.NewRistrettoCache(1024*1024, time.Hour, caching.DisableMetrics),
		Waker:     tl.waker,
		Evaluator: tl.evaluator,
		Media:     tl.media,
	}
	return tl
}

func strPtr(s string) *string { return &s }

func member(roomID, userID, membership string) *api.AppendRequest {
	return &api.AppendRequest{
		RoomID:   roomID,
		Sender:   userID,
		Type:     types.MRoomMember,
		StateKey: strPtr(userID),
		Content:  json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
	}
}

func TestAppendValidation(t *testing.T) {
	tl := newTestLog(t)
	ctx := context.Background()
	big := `{"body":"` + strings.Repeat("x", 70*1024) + `"}`

	for name, req := range map[string]*api.AppendRequest{
		"missing room":        {Sender: "@a:localhost", Type: types.MRoomMessage, Content: json.RawMessage(`{}`)},
		"missing sender":      {RoomID: "!r:localhost", Type: types.MRoomMessage, Content: json.RawMessage(`{}`)},
		"missing type":        {RoomID: "!r:localhost", Sender: "@a:localhost", Content: json.RawMessage(`{}`)},
		"array content":       {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMessage, Content: json.RawMessage(`[]`)},
		"malformed content":   {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMessage, Content: json.RawMessage(`{"body":`)},
		"oversized content":   {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMessage, Content: json.RawMessage(big)},
		"membership no key":   {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMember, Content: json.RawMessage(`{"membership":"join"}`)},
		"unknown membership":  {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMember, StateKey: strPtr("@a:localhost"), Content: json.RawMessage(`{"membership":"lurk"}`)},
		"redaction bad id":    {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomRedaction, Content: json.RawMessage(`{"redacts":"nope"}`)},
		"non-object unsigned": {RoomID: "!r:localhost", Sender: "@a:localhost", Type: types.MRoomMessage, Content: json.RawMessage(`{}`), Unsigned: json.RawMessage(`1`)},
	} {
		_, err := tl.Append(ctx, req)
		var verr api.ValidationError
		assert.True(t, errors.As(err, &verr), "%s: expected ValidationError, got %v", name, err)
	}
	assert.Empty(t, tl.store.events)
	assert.Empty(t, tl.waker.take())
}

func TestAppendPersistenceFailureHasNoSideEffects(t *testing.T) {
	tl := newTestLog(t)
	ctx := context.Background()
	_, err := tl.Append(ctx, member("!r:localhost", "@alice:localhost", types.Join))
	require.NoError(t, err)
	tl.waker.take()
	evaluated := len(tl.evaluator.outputs)

	tl.store.failErr = errors.New("constraint violation")
	_, err = tl.Append(ctx, &api.AppendRequest{
		RoomID: "!r:localhost", Sender: "@alice:localhost", Type: types.MRoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	})
	var perr api.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.ErrorContains(t, err, "constraint violation")
	assert.Empty(t, tl.waker.take())
	assert.Len(t, tl.evaluator.outputs, evaluated)
}

func TestAppendWakesJoinedMembersAndTarget(t *testing.T) {
	tl := newTestLog(t)
	ctx := context.Background()
	room := "!r:localhost"

	_, err := tl.Append(ctx, member(room, "@alice:localhost", types.Join))
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost"}, tl.waker.take())

	_, err = tl.Append(ctx, member(room, "@bob:localhost", types.Join))
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost", "@bob:localhost"}, tl.waker.take())

	_, err = tl.Append(ctx, &api.AppendRequest{
		RoomID: room, Sender: "@alice:localhost", Type: types.MRoomMember, StateKey: strPtr("@carol:localhost"),
		Content: json.RawMessage(`{"membership":"invite"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost", "@bob:localhost", "@carol:localhost"}, tl.waker.take())

	// A kicked user is no longer joined but still learns about it.
	_, err = tl.Append(ctx, &api.AppendRequest{
		RoomID: room, Sender: "@alice:localhost", Type: types.MRoomMember, StateKey: strPtr("@bob:localhost"),
		Content: json.RawMessage(`{"membership":"leave"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost", "@bob:localhost"}, tl.waker.take())

	ev, err := tl.Append(ctx, &api.AppendRequest{
		RoomID: room, Sender: "@alice:localhost", Type: types.MRoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost"}, tl.waker.take())

	last := tl.evaluator.outputs[len(tl.evaluator.outputs)-1]
	assert.Equal(t, ev, last.Event)
	assert.Equal(t, []string{"@alice:localhost"}, last.JoinedUsers)
}

func TestAppendEvaluatorFailureDoesNotFailAppend(t *testing.T) {
	tl := newTestLog(t)
	tl.evaluator.err = errors.New("push gateway unreachable")
	ev, err := tl.Append(context.Background(), member("!r:localhost", "@alice:localhost", types.Join))
	require.NoError(t, err)
	assert.False(t, ev.ID.IsZero())
}

func TestAppendTracksMediaReferences(t *testing.T) {
	tl := newTestLog(t)
	ev, err := tl.Append(context.Background(), &api.AppendRequest{
		RoomID: "!r:localhost", Sender: "@alice:localhost", Type: types.MRoomMessage,
		Content: json.RawMessage(`{"msgtype":"m.image","url":"mxc://localhost/cat"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mxc://localhost/cat"}, tl.media.refs[ev.EventID()])

	ev, err = tl.Append(context.Background(), &api.AppendRequest{
		RoomID: "!r:localhost", Sender: "@alice:localhost", Type: types.MRoomMessage,
		Content: json.RawMessage(`{"body":"plain"}`),
	})
	require.NoError(t, err)
	assert.NotContains(t, tl.media.refs, ev.EventID())
}

func TestAppendAssignsTimestamp(t *testing.T) {
	tl := newTestLog(t)
	ev, err := tl.Append(context.Background(), member("!r:localhost", "@alice:localhost", types.Join))
	require.NoError(t, err)
	assert.NotZero(t, ev.OriginServerTS)
}

func TestQueriesReadThroughAndInvalidate(t *testing.T) {
	tl := newTestLog(t)
	ctx := context.Background()
	room := "!r:localhost"

	_, err := tl.Append(ctx, member(room, "@alice:localhost", types.Join))
	require.NoError(t, err)

	membership, err := tl.Membership(ctx, room, "@alice:localhost")
	require.NoError(t, err)
	assert.Equal(t, types.Join, membership)
	tl.Cache.Wait()

	reads := tl.store.reads
	membership, err = tl.Membership(ctx, room, "@alice:localhost")
	require.NoError(t, err)
	assert.Equal(t, types.Join, membership)
	assert.Equal(t, reads, tl.store.reads, "second lookup should be served from cache")

	_, err = tl.Append(ctx, member(room, "@alice:localhost", types.Leave))
	require.NoError(t, err)
	membership, err = tl.Membership(ctx, room, "@alice:localhost")
	require.NoError(t, err)
	assert.Equal(t, types.Leave, membership)

	membership, err = tl.Membership(ctx, room, "@nobody:localhost")
	require.NoError(t, err)
	assert.Equal(t, "", membership)
}
