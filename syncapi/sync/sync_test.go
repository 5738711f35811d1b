// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/roomserver"
	"github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	alice  = "@alice:localhost"
	bob    = "@bob:localhost"
	roomID = "!room:localhost"
)

type testEnv struct {
	cfg     *config.Synchrotron
	db      storage.Database
	rs      api.RoomserverInternalAPI
	n       *notifier.Local
	typing  *caching.EDUCache
	builder *Builder
	pool    *RequestPool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Synchrotron{}
	cfg.Defaults(config.DefaultOpts{Generate: true})
	cfg.Global.DatabaseOptions.ConnectionString = config.DataSource("file:" + filepath.Join(t.TempDir(), "sync.db"))

	db, err := storage.NewSyncServerDatasource(context.Background(), &cfg.Global.DatabaseOptions)
	require.NoError(t, err)
	n := notifier.NewLocal()
	caches := caching.NewRistrettoCache(16*1024*1024, time.Hour, caching.DisableMetrics)
	typing := caching.NewTypingCache(db.AllocatePosition)
	env := &testEnv{
		cfg:    cfg,
		db:     db,
		rs:     roomserver.NewInternalAPI(cfg, db, caches, n, nil),
		n:      n,
		typing: typing,
		pool:   NewRequestPool(&cfg.SyncAPI, db, typing, userapi.NoopKeyQuerier{}, n),
	}
	env.builder = env.pool.builder
	return env
}

func device(userID string) *userapi.Device {
	return &userapi.Device{ID: "DEVICE", UserID: userID}
}

func (e *testEnv) state(t *testing.T, sender, evType, stateKey, content string) *rstypes.Event {
	t.Helper()
	ev, err := e.rs.Append(context.Background(), &api.AppendRequest{
		RoomID:   roomID,
		Sender:   sender,
		Type:     evType,
		StateKey: &stateKey,
		Content:  json.RawMessage(content),
	})
	require.NoError(t, err)
	return ev
}

func (e *testEnv) member(t *testing.T, sender, target, membership string) *rstypes.Event {
	t.Helper()
	return e.state(t, sender, rstypes.MRoomMember, target, fmt.Sprintf(`{"membership":%q}`, membership))
}

func (e *testEnv) message(t *testing.T, sender, body string) *rstypes.Event {
	t.Helper()
	ev, err := e.rs.Append(context.Background(), &api.AppendRequest{
		RoomID:  roomID,
		Sender:  sender,
		Type:    rstypes.MRoomMessage,
		Content: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
	})
	require.NoError(t, err)
	return ev
}

func (e *testEnv) createRoom(t *testing.T) {
	t.Helper()
	e.state(t, alice, rstypes.MRoomCreate, "", fmt.Sprintf(`{"creator":%q}`, alice))
	e.member(t, alice, alice, rstypes.Join)
	e.state(t, alice, rstypes.MRoomJoinRules, "", `{"join_rule":"public"}`)
}

func (e *testEnv) sync(t *testing.T, userID string, since types.StreamingToken) *types.Response {
	t.Helper()
	res, err := e.builder.Build(context.Background(), BuildRequest{Device: device(userID), Since: since})
	require.NoError(t, err)
	return res
}

func eventIDs(events []*rstypes.Event) []rstypes.StreamPosition {
	ids := make([]rstypes.StreamPosition, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func TestInitialSyncReturnsJoinedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	msg := env.message(t, alice, "hello")

	res := env.sync(t, alice, types.StreamingToken{})
	require.Contains(t, res.Rooms.Join, roomID)
	jr := res.Rooms.Join[roomID]
	assert.Len(t, jr.Timeline.Events, 4)
	assert.False(t, jr.Timeline.Limited)
	assert.Empty(t, jr.State.Events, "state already in the timeline is not repeated")
	assert.Equal(t, msg.ID, res.NextBatch.Position)
	require.NotNil(t, jr.Summary)
	assert.Equal(t, 1, jr.Summary.JoinedMemberCount)
	assert.Empty(t, jr.Summary.Heroes)
	require.NotNil(t, jr.Timeline.PrevBatch)
	assert.Equal(t, jr.Timeline.Events[0].ID, jr.Timeline.PrevBatch.Position)
}

func TestInitialSyncLimitedTimelineCarriesState(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	for i := 0; i < 15; i++ {
		env.message(t, alice, fmt.Sprintf("message %d", i))
	}

	res := env.sync(t, alice, types.StreamingToken{})
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	assert.True(t, jr.Timeline.Limited)
	assert.Len(t, jr.Timeline.Events, env.cfg.SyncAPI.TimelineLimit)
	assert.Len(t, jr.State.Events, 3)
}

func TestIncrementalSyncOmitsQuietRooms(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	first := env.sync(t, alice, types.StreamingToken{})

	res := env.sync(t, alice, first.NextBatch)
	assert.Empty(t, res.Rooms.Join)
	assert.False(t, res.HasUpdates())
	assert.Equal(t, first.NextBatch, res.NextBatch)
}

func TestLongPollIsWokenByNewEvent(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	first := env.sync(t, alice, types.StreamingToken{})

	type result struct {
		res *types.Response
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		res, err := Poll(context.Background(), env.pool.poller, alice, 10*time.Second,
			func(ctx context.Context) (*types.Response, error) {
				return env.builder.Build(ctx, BuildRequest{Device: device(alice), Since: first.NextBatch})
			},
			(*types.Response).HasUpdates,
		)
		done <- result{res, err}
	}()
	require.Eventually(t, func() bool {
		return env.n.WaiterCount(alice) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msg := env.message(t, bob, "hi there")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Less(t, time.Since(start), 5*time.Second)
		jr := r.res.Rooms.Join[roomID]
		require.NotNil(t, jr)
		assert.Equal(t, []rstypes.StreamPosition{msg.ID}, eventIDs(jr.Timeline.Events))
		assert.Equal(t, msg.ID, r.res.NextBatch.Position)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll was not woken")
	}
	assert.Equal(t, 0, env.n.TotalWaiters())
}

func TestTokenChainSeesEveryEventOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	const total = 60
	sent := make(chan rstypes.StreamPosition, total)
	go func() {
		for i := 0; i < total; i++ {
			ev, err := env.rs.Append(context.Background(), &api.AppendRequest{
				RoomID:  roomID,
				Sender:  bob,
				Type:    rstypes.MRoomMessage,
				Content: json.RawMessage(fmt.Sprintf(`{"body":"%d"}`, i)),
			})
			if err != nil {
				close(sent)
				return
			}
			sent <- ev.ID
		}
		close(sent)
	}()

	seen := map[rstypes.StreamPosition]struct{}{}
	var order []rstypes.StreamPosition
	collect := func() {
		res, err := env.builder.Build(context.Background(), BuildRequest{
			Device: device(alice), Since: since, TimelineLimit: 100,
		})
		require.NoError(t, err)
		if jr, ok := res.Rooms.Join[roomID]; ok {
			assert.False(t, jr.Timeline.Limited)
			for _, ev := range jr.Timeline.Events {
				_, dup := seen[ev.ID]
				require.False(t, dup, "event %s delivered twice", ev.ID)
				require.True(t, ev.ID.After(since.Position), "event %s is not after the token", ev.ID)
				seen[ev.ID] = struct{}{}
				order = append(order, ev.ID)
			}
		}
		require.False(t, since.IsAfter(res.NextBatch))
		since = res.NextBatch
	}

	var expected []rstypes.StreamPosition
	for id := range sent {
		expected = append(expected, id)
		collect()
	}
	collect()
	require.Len(t, expected, total)
	assert.Equal(t, expected, order)
}

func TestLeaveIsReportedOnceWithEventsUpToLeaving(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	since := env.sync(t, bob, types.StreamingToken{}).NextBatch

	before := env.message(t, alice, "before leaving")
	leave := env.member(t, bob, bob, rstypes.Leave)
	env.message(t, alice, "after leaving")

	res := env.sync(t, bob, since)
	assert.NotContains(t, res.Rooms.Join, roomID)
	require.Contains(t, res.Rooms.Leave, roomID)
	assert.Equal(t, []rstypes.StreamPosition{before.ID, leave.ID}, eventIDs(res.Rooms.Leave[roomID].Timeline.Events))

	again := env.sync(t, bob, res.NextBatch)
	assert.Empty(t, again.Rooms.Leave)

	initial := env.sync(t, bob, types.StreamingToken{})
	assert.Empty(t, initial.Rooms.Leave)
	assert.Empty(t, initial.Rooms.Join)
}

func TestMemberUpdateDoesNotResendHistory(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.message(t, alice, "already seen")
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	rename := env.state(t, alice, rstypes.MRoomMember, alice, `{"membership":"join","displayname":"Al"}`)
	res := env.sync(t, alice, since)
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	assert.Equal(t, []rstypes.StreamPosition{rename.ID}, eventIDs(jr.Timeline.Events))
	assert.False(t, jr.Timeline.Limited)
	assert.Empty(t, jr.State.Events)
}

func TestRejectedInviteOnlyShowsOwnMembership(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	since := env.sync(t, bob, types.StreamingToken{}).NextBatch

	invite := env.member(t, alice, bob, rstypes.Invite)
	env.message(t, alice, "members only")
	reject := env.member(t, bob, bob, rstypes.Leave)

	res := env.sync(t, bob, since)
	require.Contains(t, res.Rooms.Leave, roomID)
	assert.Equal(t, []rstypes.StreamPosition{invite.ID, reject.ID}, eventIDs(res.Rooms.Leave[roomID].Timeline.Events))
}

func TestLeaveTimelineEndsWithLastJoin(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	since := env.sync(t, bob, types.StreamingToken{}).NextBatch

	left := env.member(t, bob, bob, rstypes.Leave)
	env.message(t, alice, "while bob is away")
	invite := env.member(t, alice, bob, rstypes.Invite)
	reject := env.member(t, bob, bob, rstypes.Leave)

	res := env.sync(t, bob, since)
	require.Contains(t, res.Rooms.Leave, roomID)
	assert.Equal(t,
		[]rstypes.StreamPosition{left.ID, invite.ID, reject.ID},
		eventIDs(res.Rooms.Leave[roomID].Timeline.Events),
	)
}

func TestInviteCarriesStrippedSafelistedState(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.state(t, alice, rstypes.MRoomName, "", `{"name":"Test room"}`)
	env.state(t, alice, rstypes.MRoomTopic, "", `{"topic":"secret"}`)
	env.member(t, "@carol:localhost", "@carol:localhost", rstypes.Join)
	env.member(t, alice, bob, rstypes.Invite)

	res := env.sync(t, bob, types.StreamingToken{})
	require.Contains(t, res.Rooms.Invite, roomID)
	members := map[string]bool{}
	seenTypes := map[string]bool{}
	for _, ev := range res.Rooms.Invite[roomID].InviteState.Events {
		seenTypes[ev.Type] = true
		if ev.Type == rstypes.MRoomMember {
			members[ev.StateKey] = true
		}
	}
	assert.True(t, seenTypes[rstypes.MRoomCreate])
	assert.True(t, seenTypes[rstypes.MRoomName])
	assert.True(t, seenTypes[rstypes.MRoomJoinRules])
	assert.False(t, seenTypes[rstypes.MRoomTopic])
	assert.Equal(t, map[string]bool{alice: true, bob: true}, members)
	assert.Empty(t, res.Rooms.Join)

	again := env.sync(t, bob, res.NextBatch)
	assert.Empty(t, again.Rooms.Invite, "an old invite is not repeated")
}

func TestNewlyJoinedRoomIsSentInFull(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.message(t, alice, "history")
	since := env.sync(t, bob, types.StreamingToken{}).NextBatch

	env.member(t, bob, bob, rstypes.Join)
	res := env.sync(t, bob, since)
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	assert.Len(t, jr.Timeline.Events, 5)
	require.NotNil(t, jr.Summary)
	assert.Equal(t, []string{alice}, jr.Summary.Heroes)
	assert.Equal(t, 2, jr.Summary.JoinedMemberCount)
}

func TestToDeviceMessagesAreDeliveredOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.db.QueueSendToDevice(ctx, []types.SendToDevice{{
		UserID:   bob,
		DeviceID: "DEVICE",
		SendToDeviceEvent: types.SendToDeviceEvent{
			Sender:  alice,
			Type:    "m.room_key_request",
			Content: json.RawMessage(`{"action":"request"}`),
		},
	}})
	require.NoError(t, err)

	first := env.sync(t, bob, types.StreamingToken{})
	require.Len(t, first.ToDevice.Events, 1)
	assert.Equal(t, alice, first.ToDevice.Events[0].Sender)

	second := env.sync(t, bob, types.StreamingToken{})
	assert.Empty(t, second.ToDevice.Events)
}

func TestUnreadCountsFollowReadReceipts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	env.message(t, alice, "my own message")
	first := env.message(t, bob, "one")
	env.message(t, bob, "hey alice, look")
	env.message(t, bob, "three")

	res := env.sync(t, alice, types.StreamingToken{})
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	assert.Equal(t, 3, jr.UnreadNotifications.NotificationCount)
	assert.Equal(t, 1, jr.UnreadNotifications.HighlightCount)

	_, err := env.db.StoreReceipt(ctx, roomID, "m.read", alice, first.EventID(), 1)
	require.NoError(t, err)
	res = env.sync(t, alice, res.NextBatch)
	jr = res.Rooms.Join[roomID]
	require.NotNil(t, jr, "the receipt itself is news")
	assert.Equal(t, 2, jr.UnreadNotifications.NotificationCount)
	assert.Equal(t, 1, jr.UnreadNotifications.HighlightCount)
}

func TestPrivateReceiptsAreOnlySeenByTheirOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	msg := env.message(t, alice, "hello")
	aliceSince := env.sync(t, alice, types.StreamingToken{}).NextBatch
	bobSince := env.sync(t, bob, types.StreamingToken{}).NextBatch

	_, err := env.db.StoreReceipt(ctx, roomID, "m.read.private", bob, msg.EventID(), 1234)
	require.NoError(t, err)

	res := env.sync(t, alice, aliceSince)
	assert.Empty(t, res.Rooms.Join, "nothing visible changed for alice")

	res = env.sync(t, bob, bobSince)
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	require.Len(t, jr.Ephemeral.Events, 1)
	receipt := jr.Ephemeral.Events[0]
	assert.Equal(t, "m.receipt", receipt.Type)
	path := fmt.Sprintf("%s.m\\.read\\.private.%s.ts", gjson.Escape(msg.EventID()), gjson.Escape(bob))
	assert.Equal(t, int64(1234), gjson.GetBytes(receipt.Content, path).Int())
}

func TestTypingIsReportedAsEphemeral(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	_, err := env.typing.AddTypingUser(bob, roomID, nil)
	require.NoError(t, err)

	res := env.sync(t, alice, since)
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	require.Len(t, jr.Ephemeral.Events, 1)
	assert.Equal(t, "m.typing", jr.Ephemeral.Events[0].Type)
	assert.JSONEq(t, `{"user_ids":["@bob:localhost"]}`, string(jr.Ephemeral.Events[0].Content))
	assert.Equal(t, env.typing.GetLatestSyncPosition(), res.NextBatch.Position)

	again := env.sync(t, alice, res.NextBatch)
	assert.Empty(t, again.Rooms.Join)
}

func TestAccountDataIsScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoom(t)
	_, err := env.db.StoreAccountData(ctx, alice, "", "m.push_rules", json.RawMessage(`{"global":{}}`))
	require.NoError(t, err)
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	_, err = env.db.StoreAccountData(ctx, alice, roomID, "m.tag", json.RawMessage(`{"tags":{"u.work":{}}}`))
	require.NoError(t, err)

	res := env.sync(t, alice, since)
	assert.Empty(t, res.AccountData.Events, "global account data is only sent on initial sync")
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	require.Len(t, jr.AccountData.Events, 1)
	assert.Equal(t, "m.tag", jr.AccountData.Events[0].Type)

	initial := env.sync(t, alice, types.StreamingToken{})
	require.Len(t, initial.AccountData.Events, 1)
	assert.Equal(t, "m.push_rules", initial.AccountData.Events[0].Type)
}

func TestDeviceListChangesAreLimitedToSharedRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createRoom(t)
	env.member(t, bob, bob, rstypes.Join)
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	for _, userID := range []string{bob, "@stranger:localhost", alice} {
		_, err := env.db.StoreDeviceListChange(ctx, userID)
		require.NoError(t, err)
	}

	res := env.sync(t, alice, since)
	assert.Equal(t, []string{alice, bob}, res.DeviceLists.Changed)
	assert.Empty(t, res.DeviceLists.Left)
}

func TestFullStateResendsRoomState(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom(t)
	since := env.sync(t, alice, types.StreamingToken{}).NextBatch

	res, err := env.builder.Build(context.Background(), BuildRequest{
		Device: device(alice), Since: since, FullState: true,
	})
	require.NoError(t, err)
	jr := res.Rooms.Join[roomID]
	require.NotNil(t, jr)
	assert.Empty(t, jr.Timeline.Events)
	assert.Len(t, jr.State.Events, 3)
}

func TestTimelineLimitIsClamped(t *testing.T) {
	b := &Builder{Cfg: &config.SyncAPI{TimelineLimit: 10, MaxTimelineLimit: 100}}
	assert.Equal(t, 10, b.timelineLimit(0))
	assert.Equal(t, 10, b.timelineLimit(-3))
	assert.Equal(t, 42, b.timelineLimit(42))
	assert.Equal(t, 100, b.timelineLimit(1000))
}
