// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package clientapi

import (
	"github.com/element-hq/synchrotron/clientapi/routing"
	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// AddPublicRoutes sets up and registers HTTP handlers for the ClientAPI
// component. The returned rate limiter must be stopped on shutdown.
func AddPublicRoutes(
	routers httputil.Routers,
	cfg *config.Synchrotron,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	store routing.EphemeralStore,
	typing routing.TypingCache,
	caches *caching.Caches,
	authenticator userapi.Authenticator,
	waker roomserverAPI.Waker,
) *httputil.RateLimits {
	rateLimits := httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	routing.Setup(
		routers.Client, cfg, rsAPI, store, typing, caches,
		authenticator, waker, rateLimits,
	)
	return rateLimits
}
