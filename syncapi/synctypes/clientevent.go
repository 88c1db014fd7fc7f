// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEvent is an event fit for consumption by a sync client. Room-scoped
// sections of a sync response omit the room ID, since the section is already
// keyed by it.
type ClientEvent struct {
	Content        spec.RawJSON   `json:"content"`
	EventID        string         `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp `json:"origin_server_ts,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Type           string         `json:"type"`
	Unsigned       spec.RawJSON   `json:"unsigned,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
}
