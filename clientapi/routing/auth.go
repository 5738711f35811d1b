// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

const (
	defaultModeratorLevel = 50
	creatorLevel          = 100
)

// powerLevels is the subset of m.room.power_levels the client API enforces.
type powerLevels struct {
	users        map[string]int64
	usersDefault int64
	events       map[string]int64
	stateDefault int64
	invite       int64
	kick         int64
	ban          int64
	redact       int64
}

func (p *powerLevels) userLevel(userID string) int64 {
	if level, ok := p.users[userID]; ok {
		return level
	}
	return p.usersDefault
}

func (p *powerLevels) stateLevel(evType string) int64 {
	if level, ok := p.events[evType]; ok {
		return level
	}
	return p.stateDefault
}

// roomAuth is the room state needed to authorise one request.
type roomAuth struct {
	roomID     string
	create     *rstypes.Event
	membership string
	power      *powerLevels
}

// loadRoomAuth returns NotFoundError when the room has no create event.
func loadRoomAuth(ctx context.Context, rsAPI roomserverAPI.RoomserverInternalAPI, roomID, userID string) (*roomAuth, error) {
	create, err := rsAPI.CurrentStateEvent(ctx, roomID, rstypes.MRoomCreate, "")
	if err != nil {
		return nil, fmt.Errorf("rsAPI.CurrentStateEvent: %w", err)
	}
	if create == nil {
		return nil, roomserverAPI.NotFoundError{Msg: "room " + roomID + " does not exist"}
	}
	membership, err := rsAPI.Membership(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("rsAPI.Membership: %w", err)
	}
	plEvent, err := rsAPI.CurrentStateEvent(ctx, roomID, rstypes.MRoomPowerLevels, "")
	if err != nil {
		return nil, fmt.Errorf("rsAPI.CurrentStateEvent: %w", err)
	}
	return &roomAuth{
		roomID:     roomID,
		create:     create,
		membership: membership,
		power:      parsePowerLevels(create, plEvent),
	}, nil
}

// parsePowerLevels reads power levels leniently: numbers may arrive as
// strings from older clients. Without a power levels event the room creator
// is the only privileged user.
func parsePowerLevels(create, plEvent *rstypes.Event) *powerLevels {
	pl := &powerLevels{
		users:        map[string]int64{},
		events:       map[string]int64{},
		stateDefault: defaultModeratorLevel,
		kick:         defaultModeratorLevel,
		ban:          defaultModeratorLevel,
		redact:       defaultModeratorLevel,
	}
	if plEvent == nil {
		if create != nil {
			pl.users[create.Sender] = creatorLevel
		}
		return pl
	}
	content := gjson.ParseBytes(plEvent.Content)
	readInt := func(key string, into *int64) {
		if v := content.Get(key); v.Exists() {
			*into = v.Int()
		}
	}
	readInt("users_default", &pl.usersDefault)
	readInt("state_default", &pl.stateDefault)
	readInt("invite", &pl.invite)
	readInt("kick", &pl.kick)
	readInt("ban", &pl.ban)
	readInt("redact", &pl.redact)
	content.Get("users").ForEach(func(k, v gjson.Result) bool {
		pl.users[k.Str] = v.Int()
		return true
	})
	content.Get("events").ForEach(func(k, v gjson.Result) bool {
		pl.events[k.Str] = v.Int()
		return true
	})
	return pl
}

func notAllowed(format string, args ...interface{}) error {
	return roomserverAPI.NotAllowedError{Msg: fmt.Sprintf(format, args...)}
}

func (a *roomAuth) requireJoined(userID string) error {
	if a.membership != rstypes.Join {
		return notAllowed("%s is not joined to %s", userID, a.roomID)
	}
	return nil
}

func (a *roomAuth) canSendState(userID, evType string) error {
	if err := a.requireJoined(userID); err != nil {
		return err
	}
	if need := a.power.stateLevel(evType); a.power.userLevel(userID) < need {
		return notAllowed("sending %s requires power level %d", evType, need)
	}
	return nil
}

func (a *roomAuth) canInvite(userID string, targetMembership string) error {
	if err := a.requireJoined(userID); err != nil {
		return err
	}
	if a.power.userLevel(userID) < a.power.invite {
		return notAllowed("inviting requires power level %d", a.power.invite)
	}
	switch targetMembership {
	case rstypes.Join:
		return notAllowed("user is already joined to the room")
	case rstypes.Ban:
		return notAllowed("user is banned from the room")
	}
	return nil
}

// canJoin lets a user in when the room is public or they hold an invite.
func (a *roomAuth) canJoin(joinRules *rstypes.Event) error {
	switch a.membership {
	case rstypes.Ban:
		return notAllowed("you are banned from this room")
	case rstypes.Join, rstypes.Invite:
		return nil
	}
	if joinRules != nil && gjson.GetBytes(joinRules.Content, "join_rule").Str == rstypes.JoinRulePublic {
		return nil
	}
	return notAllowed("you are not invited to this room")
}

// canModerate checks kick and ban style actions, which also require
// outranking the target.
func (a *roomAuth) canModerate(userID, targetID, action string, need int64) error {
	if err := a.requireJoined(userID); err != nil {
		return err
	}
	level := a.power.userLevel(userID)
	if level < need {
		return notAllowed("%s requires power level %d", action, need)
	}
	if targetID != userID && level <= a.power.userLevel(targetID) {
		return notAllowed("cannot %s a user with an equal or higher power level", action)
	}
	return nil
}

func (a *roomAuth) canRedact(userID string, target *rstypes.Event) error {
	if err := a.requireJoined(userID); err != nil {
		return err
	}
	if target.Sender == userID {
		return nil
	}
	if a.power.userLevel(userID) < a.power.redact {
		return notAllowed("redacting other users' events requires power level %d", a.power.redact)
	}
	return nil
}
