// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName trims whitespace and lowercases a server name so that
// comparisons and lookups remain case-insensitive. Domain names are defined as
// case-insensitive by RFC 1035, so this canonical form is safe to store.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

// NewRoomID mints a fresh room ID on the given server.
func NewRoomID(serverName spec.ServerName) string {
	localpart := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "!" + localpart + ":" + string(NormalizeServerName(serverName))
}

// ValidUserID reports whether userID has the form @localpart:domain.
func ValidUserID(userID string) bool {
	if _, err := spec.NewUserID(userID, true); err != nil {
		return false
	}
	return true
}

// ValidRoomID reports whether roomID has the form !opaque:domain.
func ValidRoomID(roomID string) bool {
	_, err := spec.NewRoomID(roomID)
	return err == nil
}
