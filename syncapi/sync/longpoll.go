// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/element-hq/synchrotron/syncapi/notifier"
)

// LongPoller holds sync requests open until there is something to return.
type LongPoller struct {
	Notifier   notifier.Notifier
	MaxTimeout time.Duration
}

// Poll builds a response and, if it carries nothing new and the caller is
// willing to wait, sleeps until the user is woken or the timeout elapses.
// A woken poll always rebuilds, so a stale response is never returned after
// a wake. A timeout is not an error: the first response is returned as is.
//
// When the notifier supports it, the waiter is registered before the first
// build so a commit landing during the build still wakes it.
func Poll[T any](
	ctx context.Context, p *LongPoller, userID string, timeout time.Duration,
	build func(ctx context.Context) (T, error),
	hasChanges func(T) bool,
) (T, error) {
	if p.MaxTimeout > 0 && timeout > p.MaxTimeout {
		timeout = p.MaxTimeout
	}

	var waiter *notifier.Waiter
	if listener, ok := p.Notifier.(notifier.Listener); ok && timeout > 0 {
		waiter = listener.Listen(userID)
		defer waiter.Cancel()
	}

	res, err := build(ctx)
	if err != nil || timeout <= 0 || hasChanges(res) {
		return res, err
	}

	activeLongPolls.Inc()
	defer activeLongPolls.Dec()

	var woken bool
	if waiter != nil {
		woken = waiter.Wait(ctx, timeout)
	} else {
		woken = p.Notifier.WaitFor(ctx, userID, timeout)
	}
	if !woken {
		return res, nil
	}
	return build(ctx)
}
