// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/roomserver"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/userapi/auth"
)

const (
	alice = "@alice:localhost"
	bob   = "@bob:localhost"
)

type testServer struct {
	db      storage.Database
	caches  *caching.Caches
	typing  *caching.EDUCache
	n       *notifier.Local
	routers httputil.Routers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Synchrotron{}
	cfg.Defaults(config.DefaultOpts{Generate: true})
	cfg.Global.DatabaseOptions.ConnectionString = config.DataSource("file:" + filepath.Join(t.TempDir(), "sync.db"))
	cfg.ClientAPI.RateLimiting.Enabled = false
	cfg.ClientAPI.AccessTokens = []config.AccessToken{
		{Token: "alice_token", UserID: alice, DeviceID: "ALICE"},
		{Token: "bob_token", UserID: bob, DeviceID: "BOB"},
		{Token: "bob_phone_token", UserID: bob, DeviceID: "BOBPHONE"},
	}

	db, err := storage.NewSyncServerDatasource(context.Background(), &cfg.Global.DatabaseOptions)
	require.NoError(t, err)
	s := &testServer{
		db:      db,
		caches:  caching.NewRistrettoCache(16*1024*1024, time.Hour, caching.DisableMetrics),
		typing:  caching.NewTypingCache(db.AllocatePosition),
		n:       notifier.NewLocal(),
		routers: httputil.NewRouters(),
	}
	rsAPI := roomserver.NewInternalAPI(cfg, db, s.caches, s.n, nil)
	rateLimits := httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	t.Cleanup(rateLimits.Stop)
	Setup(s.routers.Client, cfg, rsAPI, db, s.typing, s.caches, auth.NewStaticTokens(&cfg.ClientAPI), s.n, rateLimits)
	return s
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/_matrix/client/v3"+path, nil)
	} else {
		req = httptest.NewRequest(method, "/_matrix/client/v3"+path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.routers.Client.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) mustDo(t *testing.T, method, path, token, body string) gjson.Result {
	t.Helper()
	rec := s.do(t, method, path, token, body)
	require.Equal(t, http.StatusOK, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	return gjson.Parse(rec.Body.String())
}

func (s *testServer) createRoom(t *testing.T, body string) string {
	t.Helper()
	roomID := s.mustDo(t, http.MethodPost, "/createRoom", "alice_token", body).Get("room_id").Str
	require.NotEmpty(t, roomID)
	return url.PathEscape(roomID)
}

func (s *testServer) membership(t *testing.T, roomPath, userID string) string {
	t.Helper()
	roomID, err := url.PathUnescape(roomPath)
	require.NoError(t, err)
	membership, _, err := s.db.Membership(context.Background(), roomID, userID)
	require.NoError(t, err)
	return membership
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"name":"Test Room","topic":"testing","invite":["@bob:localhost"]}`)

	name := s.mustDo(t, http.MethodGet, "/rooms/"+room+"/state/m.room.name", "alice_token", "")
	assert.Equal(t, "Test Room", name.Get("name").Str)
	topic := s.mustDo(t, http.MethodGet, "/rooms/"+room+"/state/m.room.topic/", "alice_token", "")
	assert.Equal(t, "testing", topic.Get("topic").Str)
	create := s.mustDo(t, http.MethodGet, "/rooms/"+room+"/state/m.room.create?format=event", "alice_token", "")
	assert.Equal(t, alice, create.Get("content.creator").Str)
	assert.True(t, strings.HasPrefix(create.Get("event_id").Str, "$"))
	rules := s.mustDo(t, http.MethodGet, "/rooms/"+room+"/state/m.room.join_rules", "alice_token", "")
	assert.Equal(t, rstypes.JoinRuleInvite, rules.Get("join_rule").Str)

	assert.Equal(t, rstypes.Join, s.membership(t, room, alice))
	assert.Equal(t, rstypes.Invite, s.membership(t, room, bob))

	rec := s.do(t, http.MethodGet, "/rooms/"+room+"/state/m.room.avatar", "alice_token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPost, "/createRoom", "alice_token", `{"visibility":"secret"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinRules(t *testing.T) {
	s := newTestServer(t)
	private := s.createRoom(t, `{}`)
	public := s.createRoom(t, `{"visibility":"public"}`)

	rec := s.do(t, http.MethodPost, "/join/"+private, "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, "M_FORBIDDEN", gjson.Get(rec.Body.String(), "errcode").Str)

	s.mustDo(t, http.MethodPost, "/rooms/"+public+"/join", "bob_token", `{}`)
	assert.Equal(t, rstypes.Join, s.membership(t, public, bob))

	s.mustDo(t, http.MethodPost, "/rooms/"+private+"/invite", "alice_token", `{"user_id":"@bob:localhost"}`)
	s.mustDo(t, http.MethodPost, "/join/"+private, "bob_token", `{}`)
	assert.Equal(t, rstypes.Join, s.membership(t, private, bob))

	rec = s.do(t, http.MethodPost, "/join/"+url.PathEscape("!missing:localhost"), "bob_token", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModeration(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"visibility":"public"}`)
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)

	rec := s.do(t, http.MethodPost, "/rooms/"+room+"/kick", "bob_token", `{"user_id":"@alice:localhost"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "bob lacks the kick level")

	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/kick", "alice_token", `{"user_id":"@bob:localhost","reason":"spam"}`)
	assert.Equal(t, rstypes.Leave, s.membership(t, room, bob))

	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/ban", "alice_token", `{"user_id":"@bob:localhost"}`)
	assert.Equal(t, rstypes.Ban, s.membership(t, room, bob))
	rec = s.do(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "banned users cannot join")

	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/unban", "alice_token", `{"user_id":"@bob:localhost"}`)
	assert.Equal(t, rstypes.Leave, s.membership(t, room, bob))
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)

	rec = s.do(t, http.MethodPost, "/rooms/"+room+"/unban", "alice_token", `{"user_id":"@bob:localhost"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "bob is not banned")
	rec = s.do(t, http.MethodPost, "/rooms/"+room+"/invite", "alice_token", `{"user_id":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/leave", "bob_token", `{}`)
	rec = s.do(t, http.MethodPost, "/rooms/"+room+"/leave", "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendEvent(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"visibility":"public"}`)

	path := "/rooms/" + room + "/send/m.room.message/txn1"
	first := s.mustDo(t, http.MethodPut, path, "alice_token", `{"body":"hello"}`).Get("event_id").Str
	require.NotEmpty(t, first)
	s.caches.Wait()
	again := s.mustDo(t, http.MethodPut, path, "alice_token", `{"body":"hello"}`).Get("event_id").Str
	assert.Equal(t, first, again, "retried transactions are not sent twice")
	other := s.mustDo(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/txn2", "alice_token", `{"body":"hello"}`).Get("event_id").Str
	assert.NotEqual(t, first, other)

	rec := s.do(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/txn3", "bob_token", `{"body":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "bob is not joined")
	rec = s.do(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/txn4", "alice_token", `["not an object"]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "M_BAD_JSON", gjson.Get(rec.Body.String(), "errcode").Str)
	rec = s.do(t, http.MethodPut, "/rooms/"+url.PathEscape("!missing:localhost")+"/send/m.room.message/txn5", "alice_token", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendStateRequiresPower(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"visibility":"public"}`)
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)

	rec := s.do(t, http.MethodPut, "/rooms/"+room+"/state/m.room.name", "bob_token", `{"name":"Bob's room"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/state/m.room.name", "alice_token", `{"name":"Alice's room"}`)

	// Display name changes keep the membership.
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/state/m.room.member/"+url.PathEscape(bob), "bob_token", `{"membership":"join","displayname":"Bob"}`)
	rec = s.do(t, http.MethodPut, "/rooms/"+room+"/state/m.room.member/"+url.PathEscape(bob), "bob_token", `{"membership":"leave"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPut, "/rooms/"+room+"/state/m.room.create", "alice_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Once power levels exist they replace the creator default.
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/state/m.room.power_levels", "alice_token",
		`{"users":{"@alice:localhost":100,"@bob:localhost":"50"},"state_default":50}`)
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/state/m.room.topic", "bob_token", `{"topic":"bob may"}`)
}

func TestRedaction(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"visibility":"public"}`)
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)
	aliceMsg := s.mustDo(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/a1", "alice_token", `{"body":"alice"}`).Get("event_id").Str
	bobMsg := s.mustDo(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/b1", "bob_token", `{"body":"bob"}`).Get("event_id").Str

	rec := s.do(t, http.MethodPut, "/rooms/"+room+"/redact/"+url.PathEscape(aliceMsg)+"/r1", "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/redact/"+url.PathEscape(bobMsg)+"/r2", "bob_token", `{"reason":"typo"}`)
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/redact/"+url.PathEscape(aliceMsg)+"/r3", "alice_token", ``)

	for _, eventID := range []string{aliceMsg, bobMsg} {
		ev, err := s.db.Event(context.Background(), eventID)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.False(t, gjson.GetBytes(ev.Content, "body").Exists(), "content of %s is stripped", eventID)
	}

	rec = s.do(t, http.MethodPut, "/rooms/"+room+"/redact/"+url.PathEscape("$ffffffffffffffffffffffff")+"/r4", "alice_token", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTypingWakesRoom(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{"visibility":"public"}`)
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/join", "bob_token", `{}`)
	roomID, _ := url.PathUnescape(room)

	waiter := s.n.Listen(bob)
	defer waiter.Cancel()
	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/typing/"+url.PathEscape(alice), "alice_token", `{"typing":true,"timeout":20000}`)
	assert.Equal(t, []string{alice}, s.typing.GetTypingUsers(roomID))
	assert.Equal(t, notifier.Notified, waiter.State())

	s.mustDo(t, http.MethodPut, "/rooms/"+room+"/typing/"+url.PathEscape(alice), "alice_token", `{"typing":false}`)
	assert.Empty(t, s.typing.GetTypingUsers(roomID))

	rec := s.do(t, http.MethodPut, "/rooms/"+room+"/typing/"+url.PathEscape(alice), "bob_token", `{"typing":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReceiptsAndAccountData(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, `{}`)
	msg := s.mustDo(t, http.MethodPut, "/rooms/"+room+"/send/m.room.message/m1", "alice_token", `{"body":"read me"}`).Get("event_id").Str

	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/receipt/m.read/"+url.PathEscape(msg), "alice_token", `{}`)
	s.mustDo(t, http.MethodPost, "/rooms/"+room+"/receipt/m.fully_read/"+url.PathEscape(msg), "alice_token", `{}`)
	rec := s.do(t, http.MethodPost, "/rooms/"+room+"/receipt/m.unknown/"+url.PathEscape(msg), "alice_token", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/rooms/"+room+"/receipt/m.read/"+url.PathEscape(msg), "bob_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	fullyRead := s.mustDo(t, http.MethodGet, "/user/"+url.PathEscape(alice)+"/rooms/"+room+"/account_data/m.fully_read", "alice_token", "")
	assert.Equal(t, msg, fullyRead.Get("event_id").Str)

	waiter := s.n.Listen(alice)
	defer waiter.Cancel()
	s.mustDo(t, http.MethodPut, "/user/"+url.PathEscape(alice)+"/account_data/im.vector.setting", "alice_token", `{"theme":"dark"}`)
	assert.Equal(t, notifier.Notified, waiter.State())
	got := s.mustDo(t, http.MethodGet, "/user/"+url.PathEscape(alice)+"/account_data/im.vector.setting", "alice_token", "")
	assert.Equal(t, "dark", got.Get("theme").Str)

	rec = s.do(t, http.MethodGet, "/user/"+url.PathEscape(alice)+"/account_data/im.vector.setting", "bob_token", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodGet, "/user/"+url.PathEscape(alice)+"/account_data/missing", "alice_token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPut, "/user/"+url.PathEscape(alice)+"/rooms/"+room+"/account_data/m.fully_read", "alice_token", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendToDevice(t *testing.T) {
	s := newTestServer(t)
	waiter := s.n.Listen(bob)
	defer waiter.Cancel()

	path := "/sendToDevice/m.room_key_request/txn1"
	body := `{"messages":{"@bob:localhost":{"*":{"action":"request"}}}}`
	s.mustDo(t, http.MethodPut, path, "alice_token", body)
	assert.Equal(t, notifier.Notified, waiter.State())
	s.caches.Wait()
	s.mustDo(t, http.MethodPut, path, "alice_token", body)

	snapshot, err := s.db.NewDatabaseSnapshot(context.Background())
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint:errcheck
	for _, deviceID := range []string{"BOB", "BOBPHONE"} {
		msgs, err := snapshot.SendToDeviceMessages(context.Background(), bob, deviceID, "ffffffffffffffffffffffff", 100)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "wildcard reaches %s exactly once", deviceID)
		assert.Equal(t, alice, msgs[0].Sender)
		assert.Equal(t, "m.room_key_request", msgs[0].Type)
	}

	rec := s.do(t, http.MethodPut, "/sendToDevice/m.test/txn2", "alice_token", `{"messages":{"bob":{"X":{}}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
