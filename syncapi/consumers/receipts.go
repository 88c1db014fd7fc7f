// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
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

// OutputReceiptEventConsumer consumes read receipts and feeds the receipt
// stream.
type OutputReceiptEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.SyncServerDatastore
	stream    streams.StreamProvider
	notifier  *notifier.Notifier
}

// NewOutputReceiptEventConsumer creates a new consumer. Call Start() to begin
// consuming.
func NewOutputReceiptEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.SyncServerDatastore,
	notifier *notifier.Notifier,
	stream streams.StreamProvider,
) *OutputReceiptEventConsumer {
	return &OutputReceiptEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIReceiptConsumer"),
		db:        store,
		notifier:  notifier,
		stream:    stream,
	}
}

// Start consuming receipt events.
func (s *OutputReceiptEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputReceiptEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	output := types.OutputReceiptEvent{
		UserID:  msg.Header.Get(jetstream.UserID),
		RoomID:  msg.Header.Get(jetstream.RoomID),
		EventID: msg.Header.Get(jetstream.EventID),
		Type:    msg.Header.Get("type"),
	}

	timestamp, err := strconv.ParseUint(msg.Header.Get("timestamp"), 10, 64)
	if err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("receipt consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	output.Timestamp = spec.Timestamp(timestamp)

	streamPos, err := s.db.StoreReceipt(
		s.ctx,
		output.RoomID,
		output.Type,
		output.UserID,
		output.EventID,
		output.Timestamp,
	)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":  output.UserID,
			"room_id":  output.RoomID,
			"event_id": output.EventID,
		}).Error("receipt consumer: failed to store receipt")
		sentry.CaptureException(err)
		return false
	}

	log.WithFields(log.Fields{
		"user_id":    output.UserID,
		"room_id":    output.RoomID,
		"event_id":   output.EventID,
		"stream_pos": streamPos,
	}).Debug("receipt consumer stored receipt")

	// Advance streams and notify AFTER the database commit so long-polling
	// connections never wake up before the data is readable.
	s.stream.Advance(streamPos)
	s.notifier.OnNewReceipt(output.RoomID, types.StreamingToken{ReceiptPosition: streamPos})

	return true
}
