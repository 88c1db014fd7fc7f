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

// OutputClientDataConsumer consumes account data updates. Global push rule
// changes ride their own stream so rule edits wake pollers independently of
// other account data.
type OutputClientDataConsumer struct {
	ctx             context.Context
	jetstream       nats.JetStreamContext
	durable         string
	topic           string
	db              storage.SyncServerDatastore
	accountStream   streams.StreamProvider
	pushRulesStream streams.StreamProvider
	notifier        *notifier.Notifier
}

// NewOutputClientDataConsumer creates a new consumer. Call Start() to begin
// consuming.
func NewOutputClientDataConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.SyncServerDatastore,
	notifier *notifier.Notifier,
	accountStream, pushRulesStream streams.StreamProvider,
) *OutputClientDataConsumer {
	return &OutputClientDataConsumer{
		ctx:             process.Context(),
		jetstream:       js,
		topic:           cfg.Matrix.JetStream.Prefixed(jetstream.OutputClientData),
		durable:         cfg.Matrix.JetStream.Durable("SyncAPIAccountDataConsumer"),
		db:              store,
		accountStream:   accountStream,
		pushRulesStream: pushRulesStream,
		notifier:        notifier,
	}
}

// Start consuming account data events.
func (s *OutputClientDataConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputClientDataConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called

	var output types.OutputAccountDataEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("account data consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	streamPos, err := s.db.UpsertAccountData(s.ctx, output.UserID, output.RoomID, output.Type, output.Content)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": output.UserID,
			"room_id": output.RoomID,
			"type":    output.Type,
		}).Error("account data consumer: failed to store account data")
		sentry.CaptureException(err)
		return false
	}

	log.WithFields(log.Fields{
		"user_id":    output.UserID,
		"room_id":    output.RoomID,
		"type":       output.Type,
		"stream_pos": streamPos,
	}).Debug("account data consumer stored entry")

	// Advance streams and notify AFTER the database commit.
	if output.Type == "m.push_rules" && output.RoomID == "" {
		s.pushRulesStream.Advance(streamPos)
		s.notifier.OnNewPushRules(output.UserID, types.StreamingToken{PushRulesPosition: streamPos})
		return true
	}
	s.accountStream.Advance(streamPos)
	s.notifier.OnNewAccountData(output.UserID, types.StreamingToken{AccountDataPosition: streamPos})

	return true
}
