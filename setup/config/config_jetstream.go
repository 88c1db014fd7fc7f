// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"strings"
)

type JetStream struct {
	Matrix *Global `yaml:"-"`

	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be used when running in monolith mode only.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream names for this homeserver - really only
	// useful if running more than one server on the same NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Where the NATS storage for the embedded server will be kept.
	StoragePath string `yaml:"storage_path"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
	// Disable logging. This is mostly useful for unit tests.
	NoLog bool `yaml:"-"`
	// Disables TLS validation. This should NOT be used in production.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
	// A credentials file to be used for authentication, example:
	// https://docs.nats.io/using-nats/developer/connecting/creds
	Credentials string `yaml:"credentials_path"`
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Durable(name string) string {
	return c.Prefixed(name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "Meridian"
	if opts.Generate {
		c.StoragePath = "./"
		c.NoLog = true
		c.DisableTLSValidation = true
		c.Credentials = ""
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	// If we are connecting to an external NATS deployment, the topic prefix
	// must be usable as a NATS subject token.
	if len(c.Addresses) > 0 && strings.ContainsAny(c.TopicPrefix, " .*>") {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q", "global.jetstream.topic_prefix", c.TopicPrefix))
	}
}
