// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Synchrotron contains all the config used by a synchrotron process.
// Relative paths are resolved relative to the current working directory
type Synchrotron struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current synchrotron config
	// version then we can give a clear error message telling the user
	// to update their config file to the current version.
	Version int `yaml:"version"`

	Global     Global     `yaml:"global"`
	ClientAPI  ClientAPI  `yaml:"client_api"`
	RoomServer RoomServer `yaml:"room_server"`
	SyncAPI    SyncAPI    `yaml:"sync_api"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`
}

// DefaultOpts controls how Defaults fills in a fresh configuration.
type DefaultOpts struct {
	Generate bool
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a backing database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not always be true?
	// return strings.HasPrefix(string(d), "postgresql:")
	return !d.IsSQLite()
}

// DataUnit is a byte count that accepts kb/mb/gb/tb suffixes in YAML.
type DataUnit int64

func (d *DataUnit) UnmarshalText(text []byte) error {
	var magnitude float64
	s := strings.ToLower(string(text))
	switch {
	case strings.HasSuffix(s, "tb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024*1024
	case strings.HasSuffix(s, "gb"):
		s, magnitude = s[:len(s)-2], 1024*1024*1024
	case strings.HasSuffix(s, "mb"):
		s, magnitude = s[:len(s)-2], 1024*1024
	case strings.HasSuffix(s, "kb"):
		s, magnitude = s[:len(s)-2], 1024
	default:
		magnitude = 1
	}
	var value float64
	if _, err := fmt.Sscanf(s, "%g", &value); err != nil {
		return fmt.Errorf("invalid data unit %q: %w", string(text), err)
	}
	*d = DataUnit(value * magnitude)
	return nil
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*Synchrotron, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", configPath)
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*Synchrotron, error) {
	var c Synchrotron
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.Wiring()
	logrus.WithField("base_path", basePath).Debug("Loaded configuration")
	return &c, nil
}

// Defaults fills every section with its default values.
func (c *Synchrotron) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.ClientAPI.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Wiring()
}

// Verify collects problems from every section into configErrs.
func (c *Synchrotron) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.ClientAPI, &c.RoomServer, &c.SyncAPI,
	} {
		c.Verify(configErrs)
	}
	for i, hook := range c.Logging {
		checkLogHook(configErrs, fmt.Sprintf("logging[%d]", i), hook)
	}
}

// Wiring points each section back at the global config.
func (c *Synchrotron) Wiring() {
	c.ClientAPI.Matrix = &c.Global
	c.RoomServer.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

func (c *Synchrotron) check() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %d, expected %d - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and ensure you are not missing any important options that may have been added "+
				"or changed recently!",
			c.Version, Version,
		))
		return configErrs
	}
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that the value is positive.
// If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func checkLogHook(configErrs *ConfigErrors, key string, hook LogrusHook) {
	if _, err := logrus.ParseLevel(hook.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid log level for config key %q: %s", key+".level", hook.Level))
	}
	switch hook.Type {
	case "std":
	case "file":
		path, _ := hook.Params["path"].(string)
		checkNotEmpty(configErrs, key+".params.path", path)
	default:
		configErrs.Add(fmt.Sprintf("unknown log hook type for config key %q: %s", key+".type", hook.Type))
	}
}
