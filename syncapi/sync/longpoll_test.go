// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/synchrotron/syncapi/notifier"
)

func countingBuild(results ...int) (func(context.Context) (int, error), *atomic.Int32) {
	calls := atomic.NewInt32(0)
	return func(context.Context) (int, error) {
		i := int(calls.Inc()) - 1
		if i >= len(results) {
			i = len(results) - 1
		}
		return results[i], nil
	}, calls
}

func nonZero(v int) bool { return v != 0 }

func TestPollReturnsChangesWithoutWaiting(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	build, calls := countingBuild(7)

	start := time.Now()
	res, err := Poll(context.Background(), p, alice, 10*time.Second, build, nonZero)
	require.NoError(t, err)
	assert.Equal(t, 7, res)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, n.TotalWaiters())
}

func TestPollZeroTimeoutBuildsOnce(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	build, calls := countingBuild(0)

	res, err := Poll(context.Background(), p, alice, 0, build, nonZero)
	require.NoError(t, err)
	assert.Equal(t, 0, res)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, n.TotalWaiters())
}

func TestPollTimeoutIsCapped(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: 50 * time.Millisecond}
	build, calls := countingBuild(0)

	start := time.Now()
	_, err := Poll(context.Background(), p, alice, time.Hour, build, nonZero)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), calls.Load(), "a timed out poll is not rebuilt")
	assert.Equal(t, 0, n.TotalWaiters())
}

func TestPollRebuildsAfterWake(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	build, calls := countingBuild(0, 3)

	done := make(chan int, 1)
	go func() {
		res, _ := Poll(context.Background(), p, alice, 10*time.Second, build, nonZero)
		done <- res
	}()
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && testutil.ToFloat64(activeLongPolls) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	n.Wake(alice)

	select {
	case res := <-done:
		assert.Equal(t, 3, res)
		assert.Equal(t, int32(2), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("poll was not woken")
	}
}

func TestPollKeepsWakeDuringFirstBuild(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	calls := 0
	build := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			// A commit lands after the snapshot was taken.
			n.Wake(alice)
			return 0, nil
		}
		return 1, nil
	}

	start := time.Now()
	res, err := Poll(context.Background(), p, alice, 10*time.Second, build, nonZero)
	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollReturnsBuildErrors(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	boom := errors.New("boom")

	_, err := Poll(context.Background(), p, alice, 10*time.Second, func(context.Context) (int, error) {
		return 0, boom
	}, nonZero)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n.TotalWaiters())
}

func TestPollStopsWhenContextEnds(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}
	build, calls := countingBuild(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Poll(ctx, p, alice, 10*time.Second, build, nonZero)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, n.TotalWaiters())
}

func TestPollDeregistersWhenBuildPanics(t *testing.T) {
	n := notifier.NewLocal()
	p := &LongPoller{Notifier: n, MaxTimeout: time.Minute}

	assert.Panics(t, func() {
		_, _ = Poll(context.Background(), p, alice, 10*time.Second, func(context.Context) (int, error) {
			panic("build failed")
		}, nonZero)
	})
	assert.Equal(t, 0, n.TotalWaiters())
	assert.Equal(t, 0, n.WaiterCount(alice))
}
