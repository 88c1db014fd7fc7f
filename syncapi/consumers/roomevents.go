// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/jetstream"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/types"
)

// OutputRoomEventConsumer consumes room events from the event graph and
// feeds the room stream: it stores the event, refreshes the room activity
// cache, advances the PDU position and wakes the affected users.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.SyncServerDatastore
	caches    *caching.Caches
	stream    streams.StreamProvider
	notifier  *notifier.Notifier
}

// NewOutputRoomEventConsumer creates a new consumer. Call Start() to begin
// consuming.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.SyncServerDatastore,
	caches *caching.Caches,
	notifier *notifier.Notifier,
	stream streams.StreamProvider,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomEventConsumer"),
		db:        store,
		caches:    caches,
		notifier:  notifier,
		stream:    stream,
	}
}

// Start consuming room events.
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called

	ev, err := types.NewStreamEventFromJSON(msg.Data)
	if err != nil {
		// A malformed event will never become parseable; skip it.
		log.WithError(err).Errorf("room event consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	streamPos, err := s.db.StoreRoomEvent(s.ctx, ev)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_id": ev.EventID,
			"room_id":  ev.RoomID,
		}).Error("room event consumer: failed to store event")
		sentry.CaptureException(err)
		return false
	}

	log.WithFields(log.Fields{
		"event_id":   ev.EventID,
		"room_id":    ev.RoomID,
		"type":       ev.Type,
		"stream_pos": streamPos,
	}).Debug("room event consumer stored event")

	s.caches.StoreRoomActivity(ev.RoomID, streamPos, ev.EventID, ev.OriginServerTS)

	s.stream.Advance(streamPos)
	s.notifier.OnNewEvent(ev, ev.RoomID, nil, types.StreamingToken{PDUPosition: streamPos})

	return true
}
