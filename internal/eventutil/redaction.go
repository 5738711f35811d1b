// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventutil

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/synchrotron/roomserver/types"
)

// Content keys that survive redaction, by event type.
var redactionAllowList = map[string][]string{
	types.MRoomMember:            {"membership"},
	types.MRoomCreate:            {"creator"},
	types.MRoomJoinRules:         {"join_rule"},
	types.MRoomPowerLevels:       {"users", "users_default", "events", "events_default", "state_default", "ban", "kick", "redact"},
	types.MRoomHistoryVisibility: {"history_visibility"},
}

// RedactContent strips content down to the keys allowed for eventType.
func RedactContent(eventType string, content []byte) ([]byte, error) {
	redacted := []byte("{}")
	var err error
	for _, key := range redactionAllowList[eventType] {
		value := gjson.GetBytes(content, key)
		if !value.Exists() {
			continue
		}
		if redacted, err = sjson.SetRawBytes(redacted, key, []byte(value.Raw)); err != nil {
			return nil, fmt.Errorf("sjson.SetRawBytes: %w", err)
		}
	}
	return redacted, nil
}

// SetRedactedBecause records the redaction in the target's unsigned data.
func SetRedactedBecause(unsigned []byte, redaction *types.Event) ([]byte, error) {
	if len(unsigned) == 0 {
		unsigned = []byte("{}")
	}
	raw, err := json.Marshal(redaction)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(unsigned, "redacted_because", raw)
}

// IsRedacted reports whether unsigned carries a redaction.
func IsRedacted(unsigned []byte) bool {
	return gjson.GetBytes(unsigned, "redacted_because").Exists()
}
