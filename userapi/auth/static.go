// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/userapi/api"
)

// StaticTokens authenticates against the access tokens listed in the
// client API configuration.
type StaticTokens struct {
	devices map[string]api.Device
}

// NewStaticTokens indexes the configured tokens. Later entries win on duplicates,
// which configuration verification rejects anyway.
func NewStaticTokens(cfg *config.ClientAPI) *StaticTokens {
	s := &StaticTokens{devices: make(map[string]api.Device, len(cfg.AccessTokens))}
	for _, tok := range cfg.AccessTokens {
		accountType := api.AccountTypeUser
		if tok.IsGuest {
			accountType = api.AccountTypeGuest
		}
		s.devices[tok.Token] = api.Device{
			ID:          tok.DeviceID,
			UserID:      tok.UserID,
			AccessToken: tok.Token,
			IsGuest:     tok.IsGuest,
			Trusted:     tok.Trusted,
			AccountType: accountType,
		}
	}
	return s
}

func (s *StaticTokens) Authenticate(ctx context.Context, accessToken string) (*api.Device, error) {
	dev, ok := s.devices[accessToken]
	if !ok {
		return nil, api.ErrUnknownToken
	}
	return &dev, nil
}
