// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
)

// NATSInstance owns an embedded NATS server when no external addresses are
// configured.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
	sync.Mutex
}

func DeleteAllStreams(js natsclient.JetStreamContext, cfg *config.JetStream) {
	for _, stream := range streams {
		_ = js.DeleteStream(cfg.Prefixed(stream.Name)) // ignore errors
	}
}

// Prepare starts the embedded server if needed and returns a connection with
// every stream created. Repeated calls share the same connection.
func (s *NATSInstance) Prepare(cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	s.Lock()
	defer s.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}
	if len(cfg.Addresses) == 0 && s.Server == nil {
		var err error
		s.Server, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "synchrotron",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.ConfigureLogger()
		go s.Start()
		if !s.ReadyForConnections(time.Second * 10) {
			return nil, nil, fmt.Errorf("embedded NATS server did not become ready")
		}
		logrus.Info("Started embedded NATS server")
	}

	var (
		nc  *natsclient.Conn
		err error
	)
	if s.Server != nil {
		nc, err = natsclient.Connect("", natsclient.InProcessServer(s.Server))
	} else {
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("natsclient.Connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}
	if err = setupStreams(js, cfg); err != nil {
		nc.Close()
		return nil, nil, err
	}
	s.nc, s.js = nc, js
	return js, nc, nil
}

func setupStreams(js natsclient.JetStreamContext, cfg *config.JetStream) error {
	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			return fmt.Errorf("js.StreamInfo(%q): %w", name, err)
		}
		if info != nil {
			continue
		}
		// Namespace the stream and subject without modifying the template.
		namespaced := *stream
		namespaced.Name = name
		namespaced.Subjects = []string{name}
		if cfg.InMemory {
			namespaced.Storage = natsclient.MemoryStorage
		}
		if _, err = js.AddStream(&namespaced); err != nil {
			logrus.WithError(err).WithField("stream", name).Error("Unable to add stream")
			return fmt.Errorf("js.AddStream(%q): %w", name, err)
		}
	}
	return nil
}

// Close drains the connection and stops the embedded server.
func (s *NATSInstance) Close() {
	s.Lock()
	defer s.Unlock()
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc, s.js = nil, nil
	}
	if s.Server != nil {
		s.Shutdown()
		s.WaitForShutdown()
		s.Server = nil
	}
}
