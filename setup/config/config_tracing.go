// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"io"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

// The config for setting a proxy to use for server->server requests
type Tracing struct {
	// Set to true to enable tracer hooks. If false, no tracing is set up.
	Enabled bool `yaml:"enabled"`
	// The config for the jaeger opentracing reporter.
	Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
}

func (c *Tracing) Defaults() {
	c.Enabled = false
}

func (c *Tracing) Verify(configErrs *ConfigErrors) {}

// SetupTracing configures the opentracing using the supplied configuration.
func (c *Meridian) SetupTracing() (closer io.Closer, err error) {
	if !c.Global.Tracing.Enabled {
		return io.NopCloser(nil), nil
	}
	return c.Global.Tracing.Jaeger.InitGlobalTracer(
		"syncd",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
