// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strings"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

// ErrInvalidSyncTokenType is returned when an attempt at creating a
// StreamingToken from a string fails.
var ErrInvalidSyncTokenType = errors.New("sync token has an unknown prefix (should be 's')")

// ErrInvalidSyncTokenLen is returned when the position part of a token is malformed.
var ErrInvalidSyncTokenLen = errors.New("sync token has an invalid length")

const streamingTokenPrefix = "s"

// StreamingToken is the opaque since/next_batch value handed to clients. Every
// stream shares one position space so a single position covers them all.
type StreamingToken struct {
	Position rstypes.StreamPosition
}

func NewStreamToken(pos rstypes.StreamPosition) StreamingToken {
	return StreamingToken{Position: pos}
}

// NewStreamTokenFromString parses a token produced by StreamingToken.String.
func NewStreamTokenFromString(tok string) (StreamingToken, error) {
	if !strings.HasPrefix(tok, streamingTokenPrefix) {
		return StreamingToken{}, ErrInvalidSyncTokenType
	}
	rest := tok[len(streamingTokenPrefix):]
	if rest == "" || rest == "0" {
		return StreamingToken{}, nil
	}
	pos, err := rstypes.ParseStreamPosition(rest)
	if err != nil {
		return StreamingToken{}, fmt.Errorf("%w: %s", ErrInvalidSyncTokenLen, err)
	}
	return StreamingToken{Position: pos}, nil
}

func (t StreamingToken) String() string {
	if t.Position.IsZero() {
		return streamingTokenPrefix + "0"
	}
	return streamingTokenPrefix + string(t.Position)
}

func (t StreamingToken) IsZero() bool {
	return t.Position.IsZero()
}

// IsAfter reports whether t is strictly later than other.
func (t StreamingToken) IsAfter(other StreamingToken) bool {
	return t.Position.After(other.Position)
}

// ApplyUpdates returns the later of the two tokens.
func (t StreamingToken) ApplyUpdates(other StreamingToken) StreamingToken {
	if other.IsAfter(t) {
		return other
	}
	return t
}

func (t StreamingToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *StreamingToken) UnmarshalText(text []byte) (err error) {
	*t, err = NewStreamTokenFromString(string(text))
	return err
}
