package config

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// Largest accepted event content, in bytes, after JSON encoding.
	MaxContentBytes int `yaml:"max_content_bytes"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.MaxContentBytes = 64 * 1024
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_server.max_content_bytes", int64(c.MaxContentBytes))
	if c.MaxContentBytes == 0 {
		configErrs.Add("room_server.max_content_bytes must be greater than zero")
	}
}
