// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package eventutil

import (
	"strings"

	"github.com/tidwall/gjson"
)

const mxcPrefix = "mxc://"

// MediaReferences returns every distinct mxc:// URI found anywhere in content,
// in document order.
func MediaReferences(content []byte) []string {
	var refs []string
	seen := map[string]struct{}{}
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		switch {
		case v.IsObject(), v.IsArray():
			v.ForEach(func(_, value gjson.Result) bool {
				walk(value)
				return true
			})
		case v.Type == gjson.String && strings.HasPrefix(v.Str, mxcPrefix):
			if _, ok := seen[v.Str]; !ok {
				seen[v.Str] = struct{}{}
				refs = append(refs, v.Str)
			}
		}
	}
	walk(gjson.ParseBytes(content))
	return refs
}

// Mentions reports whether content highlights userID, either through an
// explicit m.mentions block or by naming the user in the body.
func Mentions(content []byte, userID string) bool {
	mentions := gjson.GetBytes(content, `m\.mentions`)
	if mentions.Exists() {
		if mentions.Get("room").Bool() {
			return true
		}
		for _, u := range mentions.Get("user_ids").Array() {
			if u.Str == userID {
				return true
			}
		}
		return false
	}
	body := gjson.GetBytes(content, "body").Str
	if body == "" {
		return false
	}
	if strings.Contains(body, userID) {
		return true
	}
	localpart := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(localpart, ':'); i > 0 {
		localpart = localpart[:i]
	}
	return localpart != "" && strings.Contains(strings.ToLower(body), strings.ToLower(localpart))
}
