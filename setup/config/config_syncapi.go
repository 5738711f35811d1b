package config

import "time"

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// Number of timeline events returned per joined room when the client
	// does not ask for a different limit.
	TimelineLimit int `yaml:"timeline_limit"`

	// Hard cap on the per-room timeline window.
	MaxTimelineLimit int `yaml:"max_timeline_limit"`

	// Upper bound for the client supplied long-poll timeout.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// Number of to-device messages delivered per sync response.
	MaxToDeviceMessages int `yaml:"max_to_device_messages"`

	// How long a typing notification lasts when the client does not say.
	TypingTimeout time.Duration `yaml:"typing_timeout"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.TimelineLimit = 10
	c.MaxTimelineLimit = 100
	c.MaxTimeout = 30 * time.Second
	c.MaxToDeviceMessages = 100
	c.TypingTimeout = 30 * time.Second
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync_api.timeline_limit", int64(c.TimelineLimit))
	checkPositive(configErrs, "sync_api.max_timeline_limit", int64(c.MaxTimelineLimit))
	checkPositive(configErrs, "sync_api.max_timeout", int64(c.MaxTimeout))
	checkPositive(configErrs, "sync_api.max_to_device_messages", int64(c.MaxToDeviceMessages))
	checkPositive(configErrs, "sync_api.typing_timeout", int64(c.TypingTimeout))
	if c.TimelineLimit > c.MaxTimelineLimit {
		configErrs.Add("sync_api.timeline_limit must not exceed sync_api.max_timeline_limit")
	}
}
