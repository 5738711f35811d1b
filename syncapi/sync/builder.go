// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/eventutil"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	maxHeroes = 5
	// Unread counts stop at this many events.
	maxUnreadCount = 1000

	receiptTypeRead    = "m.read"
	receiptTypePrivate = "m.read.private"
)

// strippedStateTypes is what an invitee may see of a room before joining.
var strippedStateTypes = map[string]struct{}{
	rstypes.MRoomCreate:         {},
	rstypes.MRoomName:           {},
	rstypes.MRoomMember:         {},
	rstypes.MRoomCanonicalAlias: {},
	rstypes.MRoomAvatar:         {},
	rstypes.MRoomJoinRules:      {},
}

// TypingReader is the read side of the typing cache.
type TypingReader interface {
	RoomTyping(roomID string) (users []string, pos rstypes.StreamPosition)
	GetLatestSyncPosition() rstypes.StreamPosition
}

// Builder assembles sync responses from one consistent database snapshot.
type Builder struct {
	Cfg    *config.SyncAPI
	DB     storage.Database
	Typing TypingReader
	Keys   userapi.KeyQuerier
}

type BuildRequest struct {
	Device *userapi.Device
	// Zero for an initial sync.
	Since     types.StreamingToken
	FullState bool
	// Defaults to sync_api.timeline_limit when zero.
	TimelineLimit int
}

// Build returns everything that changed for the device after req.Since.
// To-device messages included in the response are deleted once it has been
// built, so they are delivered at most once.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*types.Response, error) {
	trace, ctx := internal.StartRegion(ctx, "Builder.Build")
	defer trace.EndRegion()
	trace.SetTag("trusted_device", req.Device.Trusted)

	res, delivered, err := b.build(ctx, req)
	if err != nil {
		return nil, err
	}
	if !delivered.IsZero() {
		if err = b.DB.CleanSendToDeviceMessages(ctx, req.Device.UserID, req.Device.ID, delivered); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"user_id":   req.Device.UserID,
				"device_id": req.Device.ID,
			}).Error("Failed to delete delivered to-device messages")
		}
	}
	return res, nil
}

func (b *Builder) build(ctx context.Context, req BuildRequest) (res *types.Response, delivered rstypes.StreamPosition, err error) {
	userID := req.Device.UserID
	since := req.Since.Position

	// Read typing before opening the snapshot: every position below it has
	// been committed by then, so the snapshot covers it.
	typingPos := b.Typing.GetLatestSyncPosition()
	snapshot, err := b.DB.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("b.DB.NewDatabaseSnapshot: %w", err)
	}
	var succeeded bool
	defer sqlutil.EndTransactionWithCheck(snapshot, &succeeded, &err)

	maxPos, err := snapshot.MaxStreamPosition(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot.MaxStreamPosition: %w", err)
	}
	upper := rstypes.MaxPosition(maxPos, typingPos)

	res = types.NewResponse()
	res.NextBatch = types.NewStreamToken(rstypes.MaxPosition(since, upper))

	memberships, err := snapshot.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot.RoomsForUser: %w", err)
	}
	accountData, err := snapshot.AccountDataInRange(ctx, userID, types.Range{To: upper})
	if err != nil {
		return nil, "", fmt.Errorf("snapshot.AccountDataInRange: %w", err)
	}
	limit := b.timelineLimit(req.TimelineLimit)
	initialSync := since.IsZero() || req.FullState

	for _, m := range memberships {
		logger := logrus.WithFields(logrus.Fields{
			"user_id":    userID,
			"room_id":    m.RoomID,
			"membership": m.Membership,
		})
		switch m.Membership {
		case rstypes.Join:
			jr, err := b.joinRoom(ctx, snapshot, req, m, upper, limit, accountData)
			if err != nil {
				logger.WithError(err).Error("Failed to build joined room, skipping it")
				continue
			}
			if jr != nil {
				res.Rooms.Join[m.RoomID] = jr
			}
		case rstypes.Invite:
			if !initialSync && !m.EventID.After(since) {
				continue
			}
			stripped, err := strippedState(ctx, snapshot, userID, m.RoomID)
			if err != nil {
				logger.WithError(err).Error("Failed to build invited room, skipping it")
				continue
			}
			res.Rooms.Invite[m.RoomID] = types.NewInviteResponse(stripped)
		case rstypes.Leave, rstypes.Ban:
			if initialSync || !m.EventID.After(since) {
				continue
			}
			lr, err := b.leaveRoom(ctx, snapshot, userID, since, m, upper, limit)
			if err != nil {
				logger.WithError(err).Error("Failed to build left room, skipping it")
				continue
			}
			if lr != nil {
				res.Rooms.Leave[m.RoomID] = lr
			}
		}
	}

	if initialSync {
		for _, ad := range accountData {
			if ad.RoomID == "" {
				res.AccountData.Events = append(res.AccountData.Events, types.BasicEvent{Type: ad.Type, Content: ad.Content})
			}
		}
	}

	msgs, err := snapshot.SendToDeviceMessages(ctx, userID, req.Device.ID, upper, b.Cfg.MaxToDeviceMessages)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot.SendToDeviceMessages: %w", err)
	}
	for _, msg := range msgs {
		res.ToDevice.Events = append(res.ToDevice.Events, msg.SendToDeviceEvent)
		delivered = msg.Position
	}

	if !since.IsZero() {
		if res.DeviceLists.Changed, err = deviceListChanges(ctx, snapshot, userID, types.Range{From: since, To: upper}); err != nil {
			return nil, "", err
		}
	}

	counts, fallbackTypes, err := b.Keys.QueryOneTimeKeyCounts(ctx, userID, req.Device.ID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Failed to query one-time key counts")
	} else {
		if counts != nil {
			res.DeviceListsOTKCount = counts
		}
		if fallbackTypes != nil {
			res.DeviceUnusedFallbackKeyTypes = fallbackTypes
		}
	}

	succeeded = true
	return res, delivered, nil
}

func (b *Builder) joinRoom(
	ctx context.Context, snapshot *shared.DatabaseTransaction, req BuildRequest,
	m types.RoomMembership, upper rstypes.StreamPosition, limit int, accountData []types.AccountData,
) (*types.JoinResponse, error) {
	userID := req.Device.UserID
	since := req.Since.Position
	initial, err := joinedAfter(ctx, snapshot, userID, m, since)
	if err != nil {
		return nil, err
	}
	r := types.Range{From: since, To: upper}
	if initial {
		r.From = ""
	}

	events, limited, err := snapshot.RecentEvents(ctx, m.RoomID, r, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot.RecentEvents: %w", err)
	}
	if err = snapshot.ApplyRelations(ctx, events, upper); err != nil {
		return nil, err
	}
	jr := types.NewJoinResponse()
	jr.Timeline = timeline(events, limited)

	if initial || limited || req.FullState {
		if jr.State.Events, err = stateNotInTimeline(ctx, snapshot, m.RoomID, events); err != nil {
			return nil, err
		}
	}

	users, typingPos := b.Typing.RoomTyping(m.RoomID)
	if (initial && len(users) > 0) || (!initial && r.Contains(typingPos)) {
		sort.Strings(users)
		content, err := json.Marshal(map[string][]string{"user_ids": users})
		if err != nil {
			return nil, err
		}
		jr.Ephemeral.Events = append(jr.Ephemeral.Events, types.BasicEvent{Type: "m.typing", Content: content})
	}

	receipts, err := snapshot.RoomReceipts(ctx, []string{m.RoomID}, r)
	if err != nil {
		return nil, fmt.Errorf("snapshot.RoomReceipts: %w", err)
	}
	if ev, err := receiptEvent(receipts, userID); err != nil {
		return nil, err
	} else if ev != nil {
		jr.Ephemeral.Events = append(jr.Ephemeral.Events, *ev)
	}

	for _, ad := range accountData {
		if ad.RoomID == m.RoomID && (initial || r.Contains(ad.Position)) {
			jr.AccountData.Events = append(jr.AccountData.Events, types.BasicEvent{Type: ad.Type, Content: ad.Content})
		}
	}

	if !initial && !req.FullState && len(events) == 0 && len(jr.Ephemeral.Events) == 0 && len(jr.AccountData.Events) == 0 {
		return nil, nil
	}

	notifications, highlights, err := unreadCounts(ctx, snapshot, m, userID, upper)
	if err != nil {
		return nil, err
	}
	jr.UnreadNotifications = types.UnreadNotifications{
		HighlightCount:    highlights,
		NotificationCount: notifications,
	}
	heroes, joined, invited, err := roomMembers(ctx, snapshot, m.RoomID, userID)
	if err != nil {
		return nil, err
	}
	jr.Summary = &types.Summary{
		Heroes:             heroes,
		JoinedMemberCount:  joined,
		InvitedMemberCount: invited,
	}
	return jr, nil
}

// joinedAfter reports whether the room is new to a client syncing from since:
// the user was not joined at the cursor. Membership changes of a user who
// stays joined, such as a new display name, do not count.
func joinedAfter(
	ctx context.Context, snapshot *shared.DatabaseTransaction, userID string,
	m types.RoomMembership, since rstypes.StreamPosition,
) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	if !m.EventID.After(since) {
		return false, nil
	}
	history, err := snapshot.MembershipHistory(ctx, m.RoomID, userID, since)
	if err != nil {
		return false, err
	}
	return history.At(since) != rstypes.Join, nil
}

// leaveRoom returns the events the user saw up to and including leaving.
// Room events are only visible up to the end of the user's last stint as a
// joined member. After that, and for users who never joined, only their own
// membership changes are returned.
func (b *Builder) leaveRoom(
	ctx context.Context, snapshot *shared.DatabaseTransaction, userID string, since rstypes.StreamPosition,
	m types.RoomMembership, upper rstypes.StreamPosition, limit int,
) (*types.LeaveResponse, error) {
	r := types.Range{From: since, To: m.EventID}
	if m.EventID.After(upper) {
		r.To = upper
	}
	history, err := snapshot.MembershipHistory(ctx, m.RoomID, userID, r.To)
	if err != nil {
		return nil, err
	}

	var events []*rstypes.Event
	var limited bool
	visibleTo := since
	if until, everJoined := history.JoinedUntil(); everJoined {
		visibleTo = r.To
		if !until.IsZero() && r.To.After(until) {
			visibleTo = until
		}
	}
	if visibleTo.After(since) {
		events, limited, err = snapshot.RecentEvents(ctx, m.RoomID, types.Range{From: since, To: visibleTo}, limit)
		if err != nil {
			return nil, fmt.Errorf("snapshot.RecentEvents: %w", err)
		}
	}
	events = append(events, history.InRange(types.Range{From: visibleTo, To: r.To})...)
	if len(events) > limit {
		events, limited = events[len(events)-limit:], true
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err = snapshot.ApplyRelations(ctx, events, upper); err != nil {
		return nil, err
	}
	lr := types.NewLeaveResponse()
	lr.Timeline = timeline(events, limited)
	return lr, nil
}

func (b *Builder) timelineLimit(requested int) int {
	switch {
	case requested <= 0:
		return b.Cfg.TimelineLimit
	case requested > b.Cfg.MaxTimelineLimit:
		return b.Cfg.MaxTimelineLimit
	}
	return requested
}

func timeline(events []*rstypes.Event, limited bool) types.Timeline {
	tl := types.Timeline{Events: events, Limited: limited}
	if tl.Events == nil {
		tl.Events = []*rstypes.Event{}
	}
	if len(events) > 0 {
		prevBatch := types.NewStreamToken(events[0].ID)
		tl.PrevBatch = &prevBatch
	}
	return tl
}

// stateNotInTimeline returns the room's current state minus the events the
// timeline already carries.
func stateNotInTimeline(
	ctx context.Context, snapshot *shared.DatabaseTransaction, roomID string, events []*rstypes.Event,
) ([]*rstypes.Event, error) {
	current, err := snapshot.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.CurrentState: %w", err)
	}
	inTimeline := make(map[rstypes.StreamPosition]struct{}, len(events))
	for _, ev := range events {
		inTimeline[ev.ID] = struct{}{}
	}
	state := make([]*rstypes.Event, 0, len(current))
	for _, ev := range current {
		if _, ok := inTimeline[ev.ID]; !ok {
			state = append(state, ev)
		}
	}
	return state, nil
}

// strippedState returns the safelisted state of a room the user is invited
// to. Of the member events only the invitee's and the inviter's are kept.
func strippedState(
	ctx context.Context, snapshot *shared.DatabaseTransaction, userID, roomID string,
) ([]rstypes.StrippedEvent, error) {
	current, err := snapshot.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.CurrentState: %w", err)
	}
	var inviter string
	for _, ev := range current {
		if ev.Type == rstypes.MRoomMember && ev.StateKeyEquals(userID) {
			inviter = ev.Sender
		}
	}
	stripped := []rstypes.StrippedEvent{}
	for _, ev := range current {
		if _, ok := strippedStateTypes[ev.Type]; !ok {
			continue
		}
		if ev.Type == rstypes.MRoomMember && !ev.StateKeyEquals(userID) && !ev.StateKeyEquals(inviter) {
			continue
		}
		stripped = append(stripped, ev.Strip())
	}
	return stripped, nil
}

// receiptEvent folds receipts into one m.receipt event, leaving out other
// users' private receipts. Returns nil when nothing is left.
func receiptEvent(receipts []types.Receipt, userID string) (*types.BasicEvent, error) {
	content := map[string]map[string]map[string]map[string]int64{}
	for _, r := range receipts {
		if r.Type == receiptTypePrivate && r.UserID != userID {
			continue
		}
		byType, ok := content[r.EventID]
		if !ok {
			byType = map[string]map[string]map[string]int64{}
			content[r.EventID] = byType
		}
		byUser, ok := byType[r.Type]
		if !ok {
			byUser = map[string]map[string]int64{}
			byType[r.Type] = byUser
		}
		byUser[r.UserID] = map[string]int64{"ts": r.Timestamp}
	}
	if len(content) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &types.BasicEvent{Type: "m.receipt", Content: raw}, nil
}

// unreadCounts counts the events sent by others after the user's read
// receipt, or after they joined if they have not read anything since.
func unreadCounts(
	ctx context.Context, snapshot *shared.DatabaseTransaction, m types.RoomMembership, userID string, upper rstypes.StreamPosition,
) (notifications, highlights int, err error) {
	readUpTo := m.EventID
	receipts, err := snapshot.UserReceipts(ctx, m.RoomID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot.UserReceipts: %w", err)
	}
	for _, r := range receipts {
		if r.Type != receiptTypeRead && r.Type != receiptTypePrivate {
			continue
		}
		if pos, err := rstypes.PositionFromEventID(r.EventID); err == nil {
			readUpTo = rstypes.MaxPosition(readUpTo, pos)
		}
	}
	contents, err := snapshot.UnreadContents(ctx, m.RoomID, types.Range{From: readUpTo, To: upper}, userID, maxUnreadCount)
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot.UnreadContents: %w", err)
	}
	for _, content := range contents {
		if eventutil.Mentions(content, userID) {
			highlights++
		}
	}
	return len(contents), highlights, nil
}

// roomMembers returns up to maxHeroes other members, joined before invited,
// together with the joined and invited counts.
func roomMembers(
	ctx context.Context, snapshot *shared.DatabaseTransaction, roomID, userID string,
) (heroes []string, joined, invited int, err error) {
	joinedUsers, err := snapshot.UsersWithMembership(ctx, roomID, rstypes.Join)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("snapshot.UsersWithMembership: %w", err)
	}
	invitedUsers, err := snapshot.UsersWithMembership(ctx, roomID, rstypes.Invite)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("snapshot.UsersWithMembership: %w", err)
	}
	heroes = []string{}
	for _, u := range append(joinedUsers, invitedUsers...) {
		if len(heroes) == maxHeroes {
			break
		}
		if u != userID {
			heroes = append(heroes, u)
		}
	}
	return heroes, len(joinedUsers), len(invitedUsers), nil
}

// deviceListChanges returns the users in r whose devices changed and who
// share a joined room with userID, or are userID.
func deviceListChanges(
	ctx context.Context, snapshot *shared.DatabaseTransaction, userID string, r types.Range,
) ([]string, error) {
	changed, err := snapshot.DeviceListChangesInRange(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("snapshot.DeviceListChangesInRange: %w", err)
	}
	visible := []string{}
	if len(changed) == 0 {
		return visible, nil
	}
	sharing, err := snapshot.UsersSharingJoinedRooms(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.UsersSharingJoinedRooms: %w", err)
	}
	allowed := map[string]struct{}{userID: {}}
	for _, u := range sharing {
		allowed[u] = struct{}{}
	}
	for _, u := range changed {
		if _, ok := allowed[u]; ok {
			visible = append(visible, u)
		}
	}
	sort.Strings(visible)
	return visible, nil
}
