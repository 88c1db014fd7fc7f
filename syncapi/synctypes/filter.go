// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"errors"
	"strings"
)

// Filter is used by clients to describe how the server should shape a sync
// response. It mirrors the Matrix filter format, restricted to the parts the
// sync engine honours: event shaping is per-section, filter storage and
// event_fields rewriting are not implemented here.
type Filter struct {
	EventFields []string    `json:"event_fields,omitempty"`
	EventFormat string      `json:"event_format,omitempty"`
	Presence    EventFilter `json:"presence"`
	AccountData EventFilter `json:"account_data"`
	Room        RoomFilter  `json:"room"`
}

// EventFilter shapes a list of non-room events, such as presence or global
// account data.
type EventFilter struct {
	Limit      int       `json:"limit,omitempty"`
	NotSenders *[]string `json:"not_senders,omitempty"`
	NotTypes   *[]string `json:"not_types,omitempty"`
	Senders    *[]string `json:"senders,omitempty"`
	Types      *[]string `json:"types,omitempty"`
}

// RoomFilter shapes the rooms portion of a sync response.
type RoomFilter struct {
	NotRooms     *[]string       `json:"not_rooms,omitempty"`
	Rooms        *[]string       `json:"rooms,omitempty"`
	Ephemeral    RoomEventFilter `json:"ephemeral"`
	IncludeLeave bool            `json:"include_leave,omitempty"`
	State        StateFilter     `json:"state"`
	Timeline     RoomEventFilter `json:"timeline"`
	AccountData  RoomEventFilter `json:"account_data"`
}

// StateFilter shapes the state section of each room.
type StateFilter struct {
	NotSenders              *[]string `json:"not_senders,omitempty"`
	NotTypes                *[]string `json:"not_types,omitempty"`
	Senders                 *[]string `json:"senders,omitempty"`
	Types                   *[]string `json:"types,omitempty"`
	LazyLoadMembers         bool      `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool      `json:"include_redundant_members,omitempty"`
	NotRooms                *[]string `json:"not_rooms,omitempty"`
	Rooms                   *[]string `json:"rooms,omitempty"`
	ContainsURL             *bool     `json:"contains_url,omitempty"`
}

// RoomEventFilter shapes room timelines, ephemeral sections and per-room
// account data.
type RoomEventFilter struct {
	Limit       int       `json:"limit,omitempty"`
	NotSenders  *[]string `json:"not_senders,omitempty"`
	NotTypes    *[]string `json:"not_types,omitempty"`
	Senders     *[]string `json:"senders,omitempty"`
	Types       *[]string `json:"types,omitempty"`
	NotRooms    *[]string `json:"not_rooms,omitempty"`
	Rooms       *[]string `json:"rooms,omitempty"`
	ContainsURL *bool     `json:"contains_url,omitempty"`
}

// DefaultFilter returns the default filter used when a request names no
// filter at all.
func DefaultFilter() Filter {
	return Filter{
		EventFormat: "client",
		AccountData: DefaultEventFilter(),
		Presence:    DefaultEventFilter(),
		Room: RoomFilter{
			AccountData: DefaultRoomEventFilter(),
			Ephemeral:   DefaultRoomEventFilter(),
			State:       DefaultStateFilter(),
			Timeline:    DefaultRoomEventFilter(),
		},
	}
}

// DefaultEventFilter returns the default filter for non-room events.
func DefaultEventFilter() EventFilter {
	return EventFilter{Limit: 20}
}

// DefaultStateFilter returns the default filter for room state.
func DefaultStateFilter() StateFilter {
	return StateFilter{}
}

// DefaultRoomEventFilter returns the default filter for room timelines.
func DefaultRoomEventFilter() RoomEventFilter {
	return RoomEventFilter{Limit: 20}
}

// maxTimelineLimit is the upper bound applied to client-supplied limits. A
// client asking for more gets this much.
const maxTimelineLimit = 1000

// Validate clamps limits into a sane range and rejects structurally invalid
// filters. It must be called after unmarshalling a client-supplied filter.
func (f *Filter) Validate() error {
	if f.EventFormat != "" && f.EventFormat != "client" && f.EventFormat != "federation" {
		return errors.New("bad event_format value")
	}
	clampLimit(&f.Presence.Limit)
	clampLimit(&f.AccountData.Limit)
	clampLimit(&f.Room.Timeline.Limit)
	clampLimit(&f.Room.Ephemeral.Limit)
	clampLimit(&f.Room.AccountData.Limit)
	return nil
}

func clampLimit(limit *int) {
	if *limit <= 0 {
		*limit = DefaultEventFilter().Limit
	} else if *limit > maxTimelineLimit {
		*limit = maxTimelineLimit
	}
}

// Match returns true if an event of the given type from the given sender
// passes the filter.
func (f *EventFilter) Match(eventType, sender string) bool {
	return matchTypes(eventType, f.Types, f.NotTypes) &&
		matchLiterals(sender, f.Senders, f.NotSenders)
}

// Match returns true if an event passes the room event filter. An empty
// roomID skips the room checks, for callers shaping events already scoped to
// one room.
func (f *RoomEventFilter) Match(roomID, eventType, sender string) bool {
	if roomID != "" && !matchLiterals(roomID, f.Rooms, f.NotRooms) {
		return false
	}
	return matchTypes(eventType, f.Types, f.NotTypes) &&
		matchLiterals(sender, f.Senders, f.NotSenders)
}

// Match returns true if a state event passes the state filter.
func (f *StateFilter) Match(roomID, eventType, sender string) bool {
	if roomID != "" && !matchLiterals(roomID, f.Rooms, f.NotRooms) {
		return false
	}
	return matchTypes(eventType, f.Types, f.NotTypes) &&
		matchLiterals(sender, f.Senders, f.NotSenders)
}

// MatchRoom returns true if the room itself is admitted by the top-level room
// filter, before any per-event shaping happens.
func (r *RoomFilter) MatchRoom(roomID string) bool {
	return matchLiterals(roomID, r.Rooms, r.NotRooms)
}

// matchTypes applies the include/exclude lists for event types. Type patterns
// may end in '*', which matches any suffix; senders and room IDs are always
// literal.
func matchTypes(value string, include, exclude *[]string) bool {
	if exclude != nil {
		for _, pattern := range *exclude {
			if matchWildcard(value, pattern) {
				return false
			}
		}
	}
	if include != nil {
		for _, pattern := range *include {
			if matchWildcard(value, pattern) {
				return true
			}
		}
		return false
	}
	return true
}

func matchLiterals(value string, include, exclude *[]string) bool {
	if exclude != nil {
		for _, v := range *exclude {
			if v == value {
				return false
			}
		}
	}
	if include != nil {
		for _, v := range *include {
			if v == value {
				return true
			}
		}
		return false
	}
	return true
}

func matchWildcard(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(value, pattern[:i])
	}
	return value == pattern
}
