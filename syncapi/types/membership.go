// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

// MembershipHistory is a user's m.room.member events in one room, oldest first.
type MembershipHistory []*rstypes.Event

// At returns the membership in effect at pos, or "" if the user had none yet.
func (h MembershipHistory) At(pos rstypes.StreamPosition) string {
	var membership string
	for _, ev := range h {
		if ev.ID.After(pos) {
			break
		}
		if m, err := ev.Membership(); err == nil {
			membership = m
		}
	}
	return membership
}

// JoinedUntil reports whether the user was ever joined and, if so, the
// position of the event that ended their last stint as a member. Members
// see the room's history up to and including that event. until is zero when
// the user is still joined.
func (h MembershipHistory) JoinedUntil() (until rstypes.StreamPosition, everJoined bool) {
	lastJoin := -1
	for i, ev := range h {
		if m, err := ev.Membership(); err == nil && m == rstypes.Join {
			lastJoin = i
		}
	}
	if lastJoin < 0 {
		return "", false
	}
	for _, ev := range h[lastJoin+1:] {
		if m, err := ev.Membership(); err == nil && m != rstypes.Join {
			return ev.ID, true
		}
	}
	return "", true
}

// InRange returns the events of the history that fall inside r.
func (h MembershipHistory) InRange(r Range) []*rstypes.Event {
	var events []*rstypes.Event
	for _, ev := range h {
		if r.Contains(ev.ID) {
			events = append(events, ev)
		}
	}
	return events
}
