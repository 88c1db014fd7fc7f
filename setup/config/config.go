// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format. This will change if
// there are breaking changes to the config format.
const Version = 1

// Meridian contains all the config used by a syncd instance.
type Meridian struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	SyncAPI SyncAPI `yaml:"sync_api"`
}

// DefaultOpts tweak what Defaults fills in.
type DefaultOpts struct {
	// Generate sets placeholder values for fields that have no usable
	// defaults, so a generated config file is loadable.
	Generate bool
}

func (c *Meridian) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Wiring()
}

func (c *Meridian) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.SyncAPI.Verify(configErrs)
}

func (c *Meridian) Wiring() {
	c.Global.JetStream.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
}

// Load a yaml config file, applying defaults for anything absent and
// verifying the result.
func Load(configPath string) (*Meridian, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", configPath)
	}
	return loadConfig(configData)
}

func loadConfig(configData []byte) (*Meridian, error) {
	var c Meridian
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if c.Version != Version {
		return nil, fmt.Errorf(
			"config version %d is not supported, expected %d", c.Version, Version,
		)
	}
	c.Wiring()

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if configErrs != nil {
		return nil, configErrs
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file. It
// implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors. It is a
// wrapper to the builtin append and hides pointers from the client code.
// This method is safe to use with an uninitialized ConfigErrors because it
// creates it if it is nil.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
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

// checkPositive verifies the given value is positive (zero included) in the
// configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
