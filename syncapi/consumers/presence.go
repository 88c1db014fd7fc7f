// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/jetstream"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/types"
)

// OutputPresenceEventConsumer consumes presence updates and feeds the
// presence stream. The store keeps only the latest state per user.
type OutputPresenceEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.SyncServerDatastore
	stream    streams.StreamProvider
	notifier  *notifier.Notifier
}

// NewOutputPresenceEventConsumer creates a new consumer. Call Start() to
// begin consuming.
func NewOutputPresenceEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.SyncServerDatastore,
	notifier *notifier.Notifier,
	stream streams.StreamProvider,
) *OutputPresenceEventConsumer {
	return &OutputPresenceEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIPresenceConsumer"),
		db:        store,
		notifier:  notifier,
		stream:    stream,
	}
}

// Start consuming presence events.
func (s *OutputPresenceEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputPresenceEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called

	var output types.OutputPresenceEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("presence consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	streamPos, err := s.db.UpdatePresence(s.ctx, output.UserID, output.Presence, output.StatusMsg, output.LastActiveTS)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":  output.UserID,
			"presence": output.Presence,
		}).Error("presence consumer: failed to store presence")
		sentry.CaptureException(err)
		return false
	}

	log.WithFields(log.Fields{
		"user_id":    output.UserID,
		"presence":   output.Presence,
		"stream_pos": streamPos,
	}).Debug("presence consumer stored presence")

	// Advance streams and notify AFTER the database commit.
	s.stream.Advance(streamPos)
	s.notifier.OnNewPresence(types.StreamingToken{PresencePosition: streamPos}, output.UserID)

	return true
}
