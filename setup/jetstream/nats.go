// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/process"
)

// NATSInstance contains the embedded NATS server, if one is running. When
// no external addresses are configured, Prepare starts one lazily.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext

	mu sync.Mutex
}

var natsLock sync.Mutex

func DeleteAllStreams(js natsclient.JetStreamContext, cfg *config.JetStream) {
	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		_ = js.DeleteStream(name)
	}
}

// Prepare returns a JetStream context for the configured NATS deployment,
// starting an embedded server when no addresses are configured. It also
// ensures all streams exist. Prepare panics on failure since nothing can
// run without the stream layer.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	natsLock.Lock()
	defer natsLock.Unlock()
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		// reuse existing connections
		if s.nc != nil {
			return s.js, s.nc
		}
		js, nc := setupNATS(process, cfg, nil)
		s.js = js
		s.nc = nc
		return js, nc
	}
	if s.Server == nil {
		opts := &natsserver.Options{
			ServerName:      "syncd",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        cfg.StoragePath,
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
			SyncAlways:      true,
		}
		natsServer, err := natsserver.NewServer(opts)
		if err != nil {
			panic(err)
		}
		if !cfg.NoLog {
			natsServer.SetLogger(NewLogAdapter(), opts.Debug, opts.Trace)
		}
		go natsServer.Start()
		s.Server = natsServer
		process.ComponentStarted()
		go func() {
			<-process.WaitForShutdown()
			natsServer.Shutdown()
			natsServer.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Second * 60) {
		logrus.Fatalln("NATS did not start in time")
	}
	// reuse existing connections
	if s.nc == nil {
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
		if err != nil {
			logrus.Fatalln("Failed to create NATS client")
		}
		js, _ := setupNATS(process, cfg, nc)
		s.js = js
		s.nc = nc
	}
	return s.js, s.nc
}

// nolint:gocyclo
func setupNATS(process *process.ProcessContext, cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn) {
	if nc == nil {
		var err error
		opts := []natsclient.Option{}
		if cfg.DisableTLSValidation {
			opts = append(opts, natsclient.Secure(&tls.Config{
				InsecureSkipVerify: true, // nolint:gosec
			}))
		}
		if cfg.Credentials != "" {
			opts = append(opts, natsclient.UserCredentials(cfg.Credentials))
		}
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
			return nil, nil
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
		return nil, nil
	}

	for _, stream := range streams { // streams are defined in streams.go
		namespaced := prepareStream(cfg, stream)
		name := namespaced.Name
		info, err := js.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		if info != nil {
			switch {
			case !reflectSliceEqual(info.Config.Subjects, namespaced.Subjects):
				fallthrough
			case info.Config.Retention != namespaced.Retention:
				fallthrough
			case info.Config.Storage != namespaced.Storage:
				if err = js.DeleteStream(name); err != nil {
					logrus.WithError(err).Fatal("Unable to delete stream")
				}
				info = nil
			}
		}
		if info == nil {
			if _, err = js.AddStream(namespaced); err != nil {
				logger := logrus.WithError(err).WithFields(logrus.Fields{
					"stream":   name,
					"subjects": namespaced.Subjects,
				})

				// If the stream can't be created using the storage from the
				// config, fall back to memory storage so the process can at
				// least start up in a degraded mode.
				namespaced.Storage = natsclient.MemoryStorage
				if _, err = js.AddStream(namespaced); err != nil {
					logger.WithError(err).Fatal("Unable to add stream")
				}

				if process != nil {
					process.Degraded(err)
				}
			}
		}
	}

	return js, nc
}

func reflectSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
