// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier lets sync requests sleep until something they may care
// about has been committed.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var wakesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "notifier_wakes_total",
		Help:      "Number of wakes delivered to the notifier",
	},
)

func init() {
	prometheus.MustRegister(wakesTotal)
}

// Notifier wakes sleeping sync requests. Wakes are not queued: a wake for a
// user nobody is waiting on is dropped, since the next sync reads committed
// state anyway.
type Notifier interface {
	// Wake resolves every waiter currently registered for the user.
	Wake(userID string)
	// WaitFor blocks until the user is woken (true), or the timeout elapses
	// or ctx is done (false).
	WaitFor(ctx context.Context, userID string, timeout time.Duration) bool
}

// Listener is implemented by notifiers that can register a waiter ahead of
// the wait, so a wake landing between a build and the wait is not lost.
type Listener interface {
	Listen(userID string) *Waiter
}

// Local keeps its waiters in process memory. Only wakes issued inside this
// process reach them.
type Local struct {
	mu      sync.Mutex
	waiters map[string]map[*Waiter]struct{}
	total   atomic.Int64
}

func NewLocal() *Local {
	return &Local{
		waiters: make(map[string]map[*Waiter]struct{}),
	}
}

func (n *Local) Wake(userID string) {
	wakesTotal.Inc()
	n.mu.Lock()
	defer n.mu.Unlock()
	for w := range n.waiters[userID] {
		w.resolve(Notified)
	}
}

func (n *Local) WaitFor(ctx context.Context, userID string, timeout time.Duration) bool {
	return n.Listen(userID).Wait(ctx, timeout)
}

// Listen registers a pending waiter for the user. The caller must finish it
// with either Wait or Cancel.
func (n *Local) Listen(userID string) *Waiter {
	w := &Waiter{
		n:      n,
		userID: userID,
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.waiters[userID]
	if !ok {
		set = make(map[*Waiter]struct{})
		n.waiters[userID] = set
	}
	set[w] = struct{}{}
	n.total.Inc()
	return w
}

func (n *Local) remove(w *Waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.waiters[w.userID]
	if !ok {
		return
	}
	if _, ok = set[w]; !ok {
		return
	}
	delete(set, w)
	n.total.Dec()
	if len(set) == 0 {
		delete(n.waiters, w.userID)
	}
}

// WaiterCount returns the number of waiters registered for the user.
func (n *Local) WaiterCount(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters[userID])
}

// TotalWaiters returns the number of waiters registered for every user.
func (n *Local) TotalWaiters() int {
	return int(n.total.Load())
}
