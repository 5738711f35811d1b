// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "fmt"

// ValidationError is returned when an append is rejected before any
// transaction begins.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid event: %s", e.Msg)
	}
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Msg)
}

// PersistenceError wraps a failed write transaction. Nothing from the
// failed append is visible to readers.
type PersistenceError struct {
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist event: %s", e.Err)
}

func (e PersistenceError) Unwrap() error {
	return e.Err
}

// NotAllowedError is returned when the sender may not perform the action.
type NotAllowedError struct {
	Msg string
}

func (e NotAllowedError) Error() string {
	return "not allowed: " + e.Msg
}

// NotFoundError is returned when a referenced room or event does not exist.
type NotFoundError struct {
	Msg string
}

func (e NotFoundError) Error() string {
	return "not found: " + e.Msg
}
