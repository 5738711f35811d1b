package config

import (
	"fmt"
	"net"
	"strings"
)

type ClientAPI struct {
	Matrix *Global `yaml:"-"`

	// Address the client-server API listens on, e.g ":8008".
	ListenAddress string `yaml:"listen_address"`

	// Statically configured access tokens. Token issuance lives outside this
	// server, so the binary authenticates against this table.
	AccessTokens []AccessToken `yaml:"access_tokens"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

// AccessToken binds a bearer token to a user and device.
type AccessToken struct {
	Token    string `yaml:"token"`
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
	IsGuest  bool   `yaml:"guest"`
	// Whether the device has been cross-signed by its owner.
	Trusted bool `yaml:"trusted"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.ListenAddress = ":8008"
	c.RateLimiting.Defaults()
	if opts.Generate {
		c.AccessTokens = []AccessToken{{
			Token:    "changeme",
			UserID:   "@admin:localhost",
			DeviceID: "ADMINDEVICE",
		}}
	}
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "client_api.listen_address", c.ListenAddress)
	seen := make(map[string]struct{}, len(c.AccessTokens))
	for i, tok := range c.AccessTokens {
		key := fmt.Sprintf("client_api.access_tokens[%d]", i)
		checkNotEmpty(configErrs, key+".token", tok.Token)
		checkNotEmpty(configErrs, key+".device_id", tok.DeviceID)
		if !strings.HasPrefix(tok.UserID, "@") || !strings.Contains(tok.UserID, ":") {
			configErrs.Add(fmt.Sprintf("invalid user ID for config key %q: %s", key+".user_id", tok.UserID))
		}
		if _, ok := seen[tok.Token]; ok && tok.Token != "" {
			configErrs.Add(fmt.Sprintf("duplicate access token for config key %q", key+".token"))
		}
		seen[tok.Token] = struct{}{}
	}
	c.RateLimiting.Verify(configErrs)
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a user can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"client_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	}
	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		}
	}
	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "client_api.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}
