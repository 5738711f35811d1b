// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synchrotron",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "synchrotron",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
}

const (
	limiterSweepInterval = 30 * time.Second
	limiterIdleExpiry    = time.Minute
)

type bucketConfig struct {
	threshold int64
	cooloff   time.Duration
}

// limit converts a threshold/cooloff pair into a token bucket rate: threshold
// slots are refilled every cooloff period.
func (c bucketConfig) limit() rate.Limit {
	return rate.Limit(float64(c.threshold) * float64(time.Second) / float64(c.cooloff))
}

type bucket struct {
	limiter  *rate.Limiter
	config   bucketConfig
	lastSeen time.Time
}

// RateLimits throttles mutating client requests per device, or per IP address
// for unauthenticated callers.
type RateLimits struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	enabled       bool
	defaults      bucketConfig
	perEndpoint   map[string]bucketConfig
	exemptUserIDs map[string]struct{}
	exemptNets    []*net.IPNet
	stop          chan struct{}
	stopOnce      sync.Once
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		buckets: make(map[string]*bucket),
		enabled: cfg.Enabled,
		defaults: bucketConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint:   make(map[string]bucketConfig, len(cfg.PerEndpointOverrides)),
		exemptUserIDs: make(map[string]struct{}, len(cfg.ExemptUserIDs)),
		stop:          make(chan struct{}),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = bucketConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, entry := range cfg.ExemptIPAddresses {
		if ip := net.ParseIP(entry); ip != nil {
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			l.exemptNets = append(l.exemptNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			l.exemptNets = append(l.exemptNets, network)
		}
	}
	if l.enabled {
		go l.sweep()
	}
	return l
}

// sweep drops buckets that have not been used recently.
func (l *RateLimits) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.expire(now.Add(-limiterIdleExpiry))
		}
	}
}

func (l *RateLimits) expire(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop terminates the background sweeper. Safe to call more than once.
func (l *RateLimits) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Limit returns a 429 response if the caller has exhausted its bucket, or nil
// if the request may proceed.
func (l *RateLimits) Limit(req *http.Request, device *userapi.Device) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled || l.exempt(req, device) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	caller := callerKey(req, device)
	cfg, key := l.defaults, caller
	if override, ok := l.perEndpoint[endpoint]; ok {
		cfg, key = override, caller+"|"+endpoint
	}

	if cfg.threshold <= 0 || (cfg.cooloff > 0 && !l.bucketFor(key, cfg).Allow()) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("You are sending too many requests too quickly!", cfg.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

func (l *RateLimits) exempt(req *http.Request, device *userapi.Device) bool {
	if device != nil {
		switch device.AccountType {
		case userapi.AccountTypeAdmin, userapi.AccountTypeAppService:
			return true
		}
		if _, ok := l.exemptUserIDs[device.UserID]; ok {
			return true
		}
	}
	ip, _ := requestIP(req)
	if ip == nil {
		return false
	}
	for _, network := range l.exemptNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *RateLimits) bucketFor(key string, cfg bucketConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok && b.config == cfg {
		b.lastSeen = time.Now()
		return b.limiter
	}
	b := &bucket{
		limiter:  rate.NewLimiter(cfg.limit(), int(cfg.threshold)),
		config:   cfg,
		lastSeen: time.Now(),
	}
	l.buckets[key] = b
	return b.limiter
}

func callerKey(req *http.Request, device *userapi.Device) string {
	if device != nil {
		return device.UserID + device.ID
	}
	if ip, _ := requestIP(req); ip != nil {
		return ip.String()
	}
	if req != nil {
		return req.RemoteAddr
	}
	return ""
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

// requestIP returns the client address. X-Forwarded-For is only honoured when
// the connection comes from loopback, i.e. a local reverse proxy; the second
// return value reports whether the header was used.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	remoteIP := net.ParseIP(strings.TrimSpace(host))
	if remoteIP == nil {
		return nil, false
	}
	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		return remoteIP, false
	}
	if !remoteIP.IsLoopback() {
		logrus.WithFields(logrus.Fields{
			"remote_addr":     remoteIP.String(),
			"x_forwarded_for": forwardedFor,
		}).Debug("Ignoring X-Forwarded-For from non-loopback connection")
		return remoteIP, false
	}
	for _, part := range strings.Split(forwardedFor, ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil && !ip.IsLoopback() {
			return ip, true
		}
	}
	return remoteIP, false
}
