// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
	"time"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The address to bind the public sync API to, e.g. ":8073".
	BindAddress string `yaml:"bind_address"`

	// The timeline limit applied when a sync filter does not specify one.
	DefaultTimelineLimit int `yaml:"default_timeline_limit"`

	// How long a completed sync response stays available for retries with
	// the same parameters.
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl"`

	// How many rooms are materialized concurrently for a single request.
	MaterializerFanOut int `yaml:"materializer_fan_out"`

	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.BindAddress = ":8073"
	}
	c.DefaultTimelineLimit = 20
	c.ResponseCacheTTL = time.Minute
	c.MaterializerFanOut = 10
	c.RateLimiting.Defaults()
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync_api.default_timeline_limit", int64(c.DefaultTimelineLimit))
	checkPositive(configErrs, "sync_api.materializer_fan_out", int64(c.MaterializerFanOut))
	if c.ResponseCacheTTL < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "sync_api.response_cache_ttl", c.ResponseCacheTTL))
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

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run bots or bridges against this server.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		// Validate that both threshold and cooloff are positive when rate limiting is enabled
		if r.Threshold <= 0 || r.CooloffMS <= 0 {
			configErrs.Add(
				"sync_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
					"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
			)
		} else {
			checkPositive(configErrs, "sync_api.rate_limiting.threshold", r.Threshold)
			checkPositive(configErrs, "sync_api.rate_limiting.cooloff_ms", r.CooloffMS)
		}

		// Validate per-endpoint overrides
		for name, override := range r.PerEndpointOverrides {
			if override.Threshold <= 0 || override.CooloffMS <= 0 {
				configErrs.Add(
					fmt.Sprintf("sync_api.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
				)
			} else {
				checkPositive(
					configErrs,
					fmt.Sprintf("sync_api.rate_limiting.per_endpoint_overrides.%s.threshold", name),
					override.Threshold,
				)
				checkPositive(
					configErrs,
					fmt.Sprintf("sync_api.rate_limiting.per_endpoint_overrides.%s.cooloff_ms", name),
					override.CooloffMS,
				)
			}
		}

		// Validate IP exemptions
		for _, ip := range r.ExemptIPAddresses {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				if parsedIP := net.ParseIP(ip); parsedIP == nil {
					configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "sync_api.rate_limiting.exempt_ip_addresses", ip))
				}
			}
		}
	}
}

func (r *RateLimiting) Defaults() {
	// Default to disabled to maintain backward compatibility with existing deployments.
	// Administrators should explicitly enable rate limiting in their configuration.
	r.Enabled = false
	r.Threshold = 5
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}
