// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meridian-im/syncd/setup/config"
)

const (
	UserID  = "user_id"
	RoomID  = "room_id"
	EventID = "event_id"
)

var (
	InputRoomEvent      = "InputRoomEvent"
	OutputRoomEvent     = "OutputRoomEvent"
	OutputTypingEvent   = "OutputTypingEvent"
	OutputReceiptEvent  = "OutputReceiptEvent"
	OutputPresenceEvent = "OutputPresenceEvent"
	OutputClientData    = "OutputClientData"
)

// InputRoomEventSubj returns the room-scoped subject for publishing an
// event into a specific room's input queue.
func InputRoomEventSubj(prefix, roomID string) string {
	return fmt.Sprintf("%s.%s", prefix+InputRoomEvent, Tokenise(roomID))
}

var streams = []*nats.StreamConfig{
	{
		Name:      InputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputTypingEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
	},
	{
		Name:      OutputReceiptEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputPresenceEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
	},
	{
		Name:      OutputClientData,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}

// Tokenise escapes a value so it is usable as a NATS subject token.
func Tokenise(str string) string {
	out := make([]rune, 0, len(str))
	for _, c := range str {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '+')
		}
	}
	return string(out)
}

func prepareStream(cfg *config.JetStream, stream *nats.StreamConfig) *nats.StreamConfig {
	namespaced := *stream
	namespaced.Name = cfg.Prefixed(namespaced.Name)
	namespaced.Subjects = []string{namespaced.Name, namespaced.Name + ".>"}
	if cfg.InMemory {
		namespaced.Storage = nats.MemoryStorage
	}
	return &namespaced
}
