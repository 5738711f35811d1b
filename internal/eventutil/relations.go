// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventutil

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	RelationThread  = "m.thread"
	RelationReplace = "m.replace"
)

// Relation extracts the relationship declared in content.m.relates_to.
func Relation(content []byte) (relType, eventID string, ok bool) {
	relatesTo := gjson.GetBytes(content, `m\.relates_to`)
	if !relatesTo.IsObject() {
		return "", "", false
	}
	relType = relatesTo.Get("rel_type").Str
	eventID = relatesTo.Get("event_id").Str
	if relType == "" || eventID == "" {
		return "", "", false
	}
	return relType, eventID, true
}

// RelationSummary aggregates the relations pointing at one event.
type RelationSummary struct {
	ThreadCount       int
	ThreadLatestEvent string
	LatestEdit        string
}

func (s RelationSummary) IsEmpty() bool {
	return s.ThreadCount == 0 && s.LatestEdit == ""
}

// WithRelations overlays the summary onto unsigned as m.relations. The stored
// event is never modified.
func WithRelations(unsigned []byte, s RelationSummary) ([]byte, error) {
	if s.IsEmpty() {
		return unsigned, nil
	}
	if len(unsigned) == 0 {
		unsigned = []byte("{}")
	}
	var err error
	if s.ThreadCount > 0 {
		if unsigned, err = sjson.SetBytes(unsigned, `m\.relations.m\.thread.count`, s.ThreadCount); err != nil {
			return nil, fmt.Errorf("sjson.SetBytes: %w", err)
		}
		if unsigned, err = sjson.SetBytes(unsigned, `m\.relations.m\.thread.latest_event_id`, s.ThreadLatestEvent); err != nil {
			return nil, fmt.Errorf("sjson.SetBytes: %w", err)
		}
	}
	if s.LatestEdit != "" {
		if unsigned, err = sjson.SetBytes(unsigned, `m\.relations.m\.replace.event_id`, s.LatestEdit); err != nil {
			return nil, fmt.Errorf("sjson.SetBytes: %w", err)
		}
	}
	return unsigned, nil
}
