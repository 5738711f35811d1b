// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	positionMillisDigits = 12
	positionSeqDigits    = 4
	positionRandDigits   = 8
	positionLength       = positionMillisDigits + positionSeqDigits + positionRandDigits
	maxSequence          = 0xffff
)

// StreamPosition identifies a point in the server-wide stream. Every event,
// receipt, account data update, to-device message, device list change and
// typing change is stamped with one, and positions compare lexicographically
// in allocation order. The zero value sorts before every allocated position.
type StreamPosition string

func (p StreamPosition) IsZero() bool {
	return p == ""
}

// After reports whether p was allocated after o.
func (p StreamPosition) After(o StreamPosition) bool {
	return p > o
}

func (p StreamPosition) String() string {
	return string(p)
}

// Millis returns the wall clock time, in milliseconds since the epoch, at
// which the position was allocated.
func (p StreamPosition) Millis() (int64, error) {
	ms, _, err := splitPosition(string(p))
	return ms, err
}

// MaxPosition returns the later of the given positions.
func MaxPosition(positions ...StreamPosition) StreamPosition {
	var max StreamPosition
	for _, p := range positions {
		if p > max {
			max = p
		}
	}
	return max
}

// ParseStreamPosition checks that s is a well formed position.
func ParseStreamPosition(s string) (StreamPosition, error) {
	if _, _, err := splitPosition(s); err != nil {
		return "", err
	}
	return StreamPosition(s), nil
}

func splitPosition(s string) (ms int64, seq uint32, err error) {
	if len(s) != positionLength {
		return 0, 0, fmt.Errorf("stream position %q has length %d, want %d", s, len(s), positionLength)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, 0, fmt.Errorf("stream position %q is not lowercase hex", s)
		}
	}
	ms, err = strconv.ParseInt(s[:positionMillisDigits], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("stream position %q: %w", s, err)
	}
	seq64, err := strconv.ParseUint(s[positionMillisDigits:positionMillisDigits+positionSeqDigits], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("stream position %q: %w", s, err)
	}
	return ms, uint32(seq64), nil
}

// StreamIDGenerator allocates stream positions. Positions are unique and
// strictly increasing under byte comparison for the lifetime of the
// generator, even if the wall clock steps backwards.
type StreamIDGenerator struct {
	mu     sync.Mutex
	lastMS int64
	seq    uint32
	last   StreamPosition
	now    func() time.Time
}

func NewStreamIDGenerator() *StreamIDGenerator {
	return &StreamIDGenerator{now: time.Now}
}

// Next allocates a new position. When more than 65536 positions are
// requested within one millisecond the generator borrows the following
// millisecond.
func (g *StreamIDGenerator) Next() StreamPosition {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	switch {
	case ms > g.lastMS:
		g.lastMS, g.seq = ms, 0
	case g.seq >= maxSequence:
		g.lastMS, g.seq = g.lastMS+1, 0
	default:
		g.seq++
	}
	suffix := uuid.New()
	g.last = StreamPosition(fmt.Sprintf(
		"%0*x%0*x%0*x",
		positionMillisDigits, g.lastMS,
		positionSeqDigits, g.seq,
		positionRandDigits, binary.BigEndian.Uint32(suffix[:4]),
	))
	return g.last
}

// Advance makes sure every position allocated from now on sorts after floor.
// It is called at start-up with the largest persisted position.
func (g *StreamIDGenerator) Advance(floor StreamPosition) error {
	if floor.IsZero() {
		return nil
	}
	ms, seq, err := splitPosition(string(floor))
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if floor <= g.last {
		return nil
	}
	g.lastMS, g.seq, g.last = ms, seq, floor
	return nil
}

// Current returns the most recently allocated position, or the floor given to
// Advance if nothing was allocated since.
func (g *StreamIDGenerator) Current() StreamPosition {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
