// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// State is where a waiter is in its life. A waiter leaves Pending exactly once.
type State int32

const (
	Pending State = iota
	Notified
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Notified:
		return "notified"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Waiter is a single registration for one user. It is never shared between
// requests.
type Waiter struct {
	n      *Local
	userID string
	state  atomic.Int32
	done   chan struct{}
}

// resolve moves the waiter out of Pending. Only the first call has any effect.
func (w *Waiter) resolve(to State) bool {
	if !w.state.CompareAndSwap(int32(Pending), int32(to)) {
		return false
	}
	close(w.done)
	return true
}

func (w *Waiter) State() State {
	return State(w.state.Load())
}

// Wait blocks until the waiter is woken, the timeout elapses or ctx is done,
// then deregisters it. It reports whether the waiter was woken. A wake that
// arrived before Wait was called counts.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) bool {
	defer w.n.remove(w)
	if timeout <= 0 {
		w.resolve(TimedOut)
		return w.State() == Notified
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.resolve(TimedOut)
	case <-ctx.Done():
		w.resolve(Cancelled)
	}
	return w.State() == Notified
}

// Cancel abandons the waiter without waiting.
func (w *Waiter) Cancel() {
	w.resolve(Cancelled)
	w.n.remove(w)
}
