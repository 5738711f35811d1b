// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"
)

// AccountType describes the kind of account a device belongs to.
type AccountType int

const (
	// AccountTypeUser indicates this is a user account
	AccountTypeUser AccountType = 1
	// AccountTypeGuest indicates this is a guest account
	AccountTypeGuest AccountType = 2
	// AccountTypeAdmin indicates this is an admin account
	AccountTypeAdmin AccountType = 3
	// AccountTypeAppService indicates this is an appservice account
	AccountTypeAppService AccountType = 4
)

// Device represents a client's device (mobile, web, etc)
type Device struct {
	ID     string
	UserID string
	// The access_token granted to this device.
	// This uniquely identifies the device from all other devices and clients.
	AccessToken string
	IsGuest     bool
	// Whether the device has been verified by its owner. Carried through to
	// the sync builder for key-related extensions.
	Trusted     bool
	AccountType AccountType
}

// ErrUnknownToken is returned by an Authenticator for tokens it does not recognise.
var ErrUnknownToken = errors.New("unknown access token")

// Authenticator resolves an access token into the device it was issued to.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*Device, error)
}

// KeyQuerier supplies end-to-end key counters for a device. Key storage itself
// lives outside this server.
type KeyQuerier interface {
	QueryOneTimeKeyCounts(ctx context.Context, userID, deviceID string) (counts map[string]int, unusedFallbackKeyTypes []string, err error)
}

// NoopKeyQuerier reports no keys for every device.
type NoopKeyQuerier struct{}

func (NoopKeyQuerier) QueryOneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, []string, error) {
	return map[string]int{}, []string{}, nil
}
