// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/jetstream"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/types"
)

// OutputTypingEventConsumer consumes typing notifications into the in-memory
// typing cache. Typing state is never persisted: expiry inside the cache
// advances the stream by itself through the timeout callback.
type OutputTypingEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	eduCache  *caching.EDUCache
	stream    streams.StreamProvider
	notifier  *notifier.Notifier
}

// NewOutputTypingEventConsumer creates a new consumer. Call Start() to begin
// consuming.
func NewOutputTypingEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	eduCache *caching.EDUCache,
	notifier *notifier.Notifier,
	stream streams.StreamProvider,
) *OutputTypingEventConsumer {
	return &OutputTypingEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputTypingEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPITypingConsumer"),
		eduCache:  eduCache,
		notifier:  notifier,
		stream:    stream,
	}
}

// Start consuming typing events.
func (s *OutputTypingEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputTypingEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called

	var output types.OutputTypingEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("typing consumer: message parse failure")
		sentry.CaptureException(err)
		return true
	}

	log.WithFields(log.Fields{
		"user_id": output.UserID,
		"room_id": output.RoomID,
		"typing":  output.Typing,
	}).Debug("typing consumer received message")

	var typingPos int64
	if output.Typing {
		var expiry *time.Time
		if output.TimeoutMS > 0 {
			until := time.Now().Add(time.Duration(output.TimeoutMS) * time.Millisecond)
			expiry = &until
		}
		typingPos = s.eduCache.AddTypingUser(output.UserID, output.RoomID, expiry)
	} else {
		typingPos = s.eduCache.RemoveUser(output.UserID, output.RoomID)
	}

	s.stream.Advance(types.StreamPosition(typingPos))
	s.notifier.OnNewTyping(output.RoomID, types.StreamingToken{TypingPosition: types.StreamPosition(typingPos)})

	return true
}
