// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATS broadcasts wakes over a core NATS subject so that every instance
// subscribed to it wakes its own waiters. Its own wakes come back through
// the subscription too.
type NATS struct {
	*Local
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

func NewNATS(nc *nats.Conn, subject string) (*NATS, error) {
	n := &NATS{
		Local:   NewLocal(),
		nc:      nc,
		subject: subject,
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		n.Local.Wake(string(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("nc.Subscribe(%q): %w", subject, err)
	}
	// Make sure the server knows about the subscription before the first wake.
	if err = nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nc.Flush: %w", err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) Wake(userID string) {
	if err := n.nc.Publish(n.subject, []byte(userID)); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Failed to publish wake, waking locally only")
		n.Local.Wake(userID)
	}
}

func (n *NATS) Close() error {
	return n.sub.Unsubscribe()
}
