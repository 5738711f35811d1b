// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on subj. f returns true to
// acknowledge the batch and false to have it redelivered.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	if batch < 1 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("nats.PullSubscribe: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logrus.WithContext(ctx).Warnf("Failed to unsubscribe %q", durable)
				}
				return
			default:
			}
			// NATS enforces its own fetch deadline regardless of ctx, so a
			// context error only means stop if our own context is done.
			msgs, err := sub.Fetch(batch, nats.Context(ctx))
			if err != nil {
				switch {
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
					continue
				case errors.Is(err, nats.ErrConsumerDeleted), errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
					return
				default:
					sentry.CaptureException(err)
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Error("JetStream fetch failed")
					return
				}
			}
			if len(msgs) < 1 {
				continue
			}
			ack := f(ctx, msgs)
			for _, msg := range msgs {
				if ack {
					err = msg.AckSync(nats.Context(ctx))
				} else {
					err = msg.Nak(nats.Context(ctx))
				}
				if err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Failed to acknowledge message")
					sentry.CaptureException(err)
				}
			}
		}
	}()
	return nil
}
