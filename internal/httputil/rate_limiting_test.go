// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

func newRequest(path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "https://example.com"+path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{Enabled: true, Threshold: 2, CooloffMS: 50}
	limits := NewRateLimits(cfg)
	defer limits.Stop()

	req := newRequest("/test", "198.51.100.1:1234")
	require.Nil(t, limits.Limit(req, nil))
	require.Nil(t, limits.Limit(req, nil))

	resp := limits.Limit(req, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)
	require.Nil(t, limits.Limit(req, nil))

	assert.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRateLimitsPerEndpointOverride(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	limits := NewRateLimits(&config.RateLimiting{
		Enabled:   true,
		Threshold: 1,
		CooloffMS: 1000,
		PerEndpointOverrides: map[string]config.RateLimitEndpointOverride{
			"/special": {Threshold: 3, CooloffMS: 1000},
		},
	})
	defer limits.Stop()

	for i := 0; i < 3; i++ {
		require.Nil(t, limits.Limit(newRequest("/special", "203.0.113.5:4567"), nil))
	}
	require.NotNil(t, limits.Limit(newRequest("/special", "203.0.113.5:4567"), nil))

	require.Nil(t, limits.Limit(newRequest("/normal", "203.0.113.5:4568"), nil))
	require.NotNil(t, limits.Limit(newRequest("/normal", "203.0.113.5:4568"), nil))

	assert.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/special")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/special")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/normal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/normal")))
}

func TestRateLimitsExemptions(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         1000,
		ExemptUserIDs:     []string{"@bot:localhost"},
		ExemptIPAddresses: []string{"198.51.100.1", "203.0.113.0/24"},
	})
	defer limits.Stop()

	for _, remote := range []string{"198.51.100.1:9876", "203.0.113.42:1234"} {
		require.Nil(t, limits.Limit(newRequest("/test", remote), nil))
		require.Nil(t, limits.Limit(newRequest("/test", remote), nil))
	}

	bot := &userapi.Device{UserID: "@bot:localhost", ID: "BOT", AccountType: userapi.AccountTypeUser}
	admin := &userapi.Device{UserID: "@root:localhost", ID: "ROOT", AccountType: userapi.AccountTypeAdmin}
	for _, dev := range []*userapi.Device{bot, admin} {
		require.Nil(t, limits.Limit(newRequest("/test", "192.0.2.10:5555"), dev))
		require.Nil(t, limits.Limit(newRequest("/test", "192.0.2.10:5555"), dev))
	}

	require.Nil(t, limits.Limit(newRequest("/test", "192.0.2.10:5555"), nil))
	require.NotNil(t, limits.Limit(newRequest("/test", "192.0.2.10:5555"), nil))
}

func TestRateLimitsPerDevice(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 1, CooloffMS: 1000})
	defer limits.Stop()

	alice1 := &userapi.Device{UserID: "@alice:localhost", ID: "ONE"}
	alice2 := &userapi.Device{UserID: "@alice:localhost", ID: "TWO"}
	require.Nil(t, limits.Limit(newRequest("/send", "192.0.2.1:1"), alice1))
	require.NotNil(t, limits.Limit(newRequest("/send", "192.0.2.1:1"), alice1))
	require.Nil(t, limits.Limit(newRequest("/send", "192.0.2.1:1"), alice2))
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: false, Threshold: 1, CooloffMS: 1000})
	for i := 0; i < 10; i++ {
		require.Nil(t, limits.Limit(newRequest("/test", "192.0.2.1:1"), nil))
	}
}

func TestRequestIPXForwardedFor(t *testing.T) {
	tests := []struct {
		name            string
		remoteAddr      string
		xForwardedFor   string
		expectedIP      string
		expectedTrusted bool
	}{
		{"direct connection", "203.0.113.5:1234", "", "203.0.113.5", false},
		{"direct connection ignores header", "203.0.113.5:1234", "10.0.0.1", "203.0.113.5", false},
		{"loopback trusts header", "127.0.0.1:1234", "198.51.100.99", "198.51.100.99", true},
		{"loopback takes first entry", "127.0.0.1:1234", "198.51.100.1, 203.0.113.5", "198.51.100.1", true},
		{"loopback skips loopback entries", "127.0.0.1:1234", "127.0.0.1, 198.51.100.50", "198.51.100.50", true},
		{"ipv6 loopback", "[::1]:1234", "2001:db8::1", "2001:db8::1", true},
		{"blank header entries", "127.0.0.1:1234", "  ,  , ", "127.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest("/test", tt.remoteAddr)
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			ip, trusted := requestIP(req)
			require.NotNil(t, ip)
			assert.Equal(t, tt.expectedIP, ip.String())
			assert.Equal(t, tt.expectedTrusted, trusted)
		})
	}
}

func TestRateLimitsConcurrentAccess(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 100, CooloffMS: 50})
	defer limits.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			req := newRequest("/test", fmt.Sprintf("203.0.113.%d:1234", id%10))
			for j := 0; j < 100; j++ {
				limits.Limit(req, nil)
			}
		}(i)
	}
	wg.Wait()

	limits.mu.Lock()
	defer limits.mu.Unlock()
	assert.Len(t, limits.buckets, 10)
}

func TestRateLimitsExpireIdleBuckets(t *testing.T) {
	limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 100})
	defer limits.Stop()

	limits.Limit(newRequest("/test", "203.0.113.5:1234"), nil)
	limits.Limit(newRequest("/test", "203.0.113.6:1234"), nil)

	limits.mu.Lock()
	require.Len(t, limits.buckets, 2)
	limits.buckets["203.0.113.5"].lastSeen = time.Now().Add(-2 * limiterIdleExpiry)
	limits.mu.Unlock()

	limits.expire(time.Now().Add(-limiterIdleExpiry))

	limits.mu.Lock()
	defer limits.mu.Unlock()
	assert.Len(t, limits.buckets, 1)
	assert.Contains(t, limits.buckets, "203.0.113.6")
}

func TestRateLimitsStopIsIdempotent(t *testing.T) {
	for i := 0; i < 10; i++ {
		limits := NewRateLimits(&config.RateLimiting{Enabled: true, Threshold: 10, CooloffMS: 100})
		limits.Stop()
		limits.Stop()
	}
}
