// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"regexp"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var regexpDataSourcePassword = regexp.MustCompile(`^(postgres(?:ql)?://[^:]+:)([^@]+)(@.*)$`)

func SQLiteDriverName() string {
	return "sqlite3"
}
