// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/meridian-im/syncd/syncapi/synctypes"
)

// ErrMalformedSyncToken is returned when a client-supplied since token
// cannot be parsed. The shim turns it into a 400.
var ErrMalformedSyncToken = errors.New("malformed sync token")

// StreamPosition represents a position on one of the sync streams. Positions
// are monotonic within a single server run.
type StreamPosition int64

// StreamingToken is the composite position across all sync streams. It is a
// value type: "copy and replace one field" is plain struct copy with a field
// assignment.
type StreamingToken struct {
	PDUPosition         StreamPosition
	TypingPosition      StreamPosition
	ReceiptPosition     StreamPosition
	AccountDataPosition StreamPosition
	PushRulesPosition   StreamPosition
	PresencePosition    StreamPosition
}

func (t StreamingToken) String() string {
	return fmt.Sprintf(
		"s%d_%d_%d_%d_%d_%d",
		t.PDUPosition, t.TypingPosition, t.ReceiptPosition,
		t.AccountDataPosition, t.PushRulesPosition, t.PresencePosition,
	)
}

// IsAfter returns true if any stream position in t is ahead of the
// corresponding position in other.
func (t *StreamingToken) IsAfter(other StreamingToken) bool {
	switch {
	case t.PDUPosition > other.PDUPosition:
		return true
	case t.TypingPosition > other.TypingPosition:
		return true
	case t.ReceiptPosition > other.ReceiptPosition:
		return true
	case t.AccountDataPosition > other.AccountDataPosition:
		return true
	case t.PushRulesPosition > other.PushRulesPosition:
		return true
	case t.PresencePosition > other.PresencePosition:
		return true
	}
	return false
}

// ApplyUpdates returns a copy of t with each stream position replaced by
// other's where other is ahead. Used to guarantee that next_batch dominates
// the request cursor on every sub-stream.
func (t StreamingToken) ApplyUpdates(other StreamingToken) StreamingToken {
	if other.PDUPosition > t.PDUPosition {
		t.PDUPosition = other.PDUPosition
	}
	if other.TypingPosition > t.TypingPosition {
		t.TypingPosition = other.TypingPosition
	}
	if other.ReceiptPosition > t.ReceiptPosition {
		t.ReceiptPosition = other.ReceiptPosition
	}
	if other.AccountDataPosition > t.AccountDataPosition {
		t.AccountDataPosition = other.AccountDataPosition
	}
	if other.PushRulesPosition > t.PushRulesPosition {
		t.PushRulesPosition = other.PushRulesPosition
	}
	if other.PresencePosition > t.PresencePosition {
		t.PresencePosition = other.PresencePosition
	}
	return t
}

// NewStreamTokenFromString parses the "s1_2_3_4_5_6" form.
func NewStreamTokenFromString(tok string) (StreamingToken, error) {
	var token StreamingToken
	if len(tok) < 1 || tok[0] != 's' {
		return token, ErrMalformedSyncToken
	}
	parts := strings.Split(tok[1:], "_")
	if len(parts) != 6 {
		return token, ErrMalformedSyncToken
	}
	var positions [6]StreamPosition
	for i, p := range parts {
		pos, err := strconv.ParseInt(p, 10, 64)
		if err != nil || pos < 0 {
			return token, ErrMalformedSyncToken
		}
		positions[i] = StreamPosition(pos)
	}
	token = StreamingToken{
		PDUPosition:         positions[0],
		TypingPosition:      positions[1],
		ReceiptPosition:     positions[2],
		AccountDataPosition: positions[3],
		PushRulesPosition:   positions[4],
		PresencePosition:    positions[5],
	}
	return token, nil
}

// PaginationOrder identifies the room ordering used by the lazy-loading
// paginator. Only ordering by most recent activity is defined.
type PaginationOrder string

// PaginationTags selects how tagged rooms are treated when paging.
type PaginationTags string

const (
	PaginationOrderByTimestamp PaginationOrder = "o"

	PaginationTagsIncludeAll PaginationTags = "include_all"
	PaginationTagsIgnore     PaginationTags = "ignore"
)

// Room tag change kinds reported by GetRoomTagsChanged.
const (
	RoomTagChangeNewlyTagged = "newly_tagged"
	RoomTagChangeAllRemoved  = "all_removed"
	RoomTagChangeUpdated     = "updated"
)

// LazyPaginationConfig is the client-supplied request to lazily paginate
// rooms. It arrives as a JSON query parameter.
type LazyPaginationConfig struct {
	Order PaginationOrder `json:"order"`
	Limit int             `json:"limit"`
	Tags  PaginationTags  `json:"tags"`
}

// Validate fills defaults and rejects values outside the closed sets.
func (c *LazyPaginationConfig) Validate() error {
	if c.Order == "" {
		c.Order = PaginationOrderByTimestamp
	}
	if c.Order != PaginationOrderByTimestamp {
		return fmt.Errorf("invalid pagination order %q", c.Order)
	}
	if c.Tags == "" {
		c.Tags = PaginationTagsIgnore
	}
	if c.Tags != PaginationTagsIncludeAll && c.Tags != PaginationTagsIgnore {
		return fmt.Errorf("invalid pagination tags %q", c.Tags)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("invalid pagination limit %d", c.Limit)
	}
	return nil
}

// LazyPaginationState is carried inside next_batch when the previous
// response deferred rooms. Value is the origin_server_ts of the oldest room
// included in the previous page.
type LazyPaginationState struct {
	Order PaginationOrder
	Value spec.Timestamp
	Limit int
	Tags  PaginationTags
}

func (s LazyPaginationState) String() string {
	return fmt.Sprintf("p%s_%d_%d_%s", s.Order, s.Value, s.Limit, s.Tags)
}

func newLazyPaginationStateFromString(str string) (*LazyPaginationState, error) {
	if len(str) < 1 || str[0] != 'p' {
		return nil, ErrMalformedSyncToken
	}
	// The tags value itself contains underscores, so it must be last.
	parts := strings.SplitN(str[1:], "_", 4)
	if len(parts) != 4 {
		return nil, ErrMalformedSyncToken
	}
	state := LazyPaginationState{
		Order: PaginationOrder(parts[0]),
		Tags:  PaginationTags(parts[3]),
	}
	if state.Order != PaginationOrderByTimestamp {
		return nil, ErrMalformedSyncToken
	}
	if state.Tags != PaginationTagsIncludeAll && state.Tags != PaginationTagsIgnore {
		return nil, ErrMalformedSyncToken
	}
	value, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, ErrMalformedSyncToken
	}
	state.Value = spec.Timestamp(value)
	limit, err := strconv.Atoi(parts[2])
	if err != nil || limit <= 0 {
		return nil, ErrMalformedSyncToken
	}
	state.Limit = limit
	return &state, nil
}

// SyncBatchToken is the complete next_batch cursor: a streaming token plus
// optional lazy pagination state.
type SyncBatchToken struct {
	StreamToken     StreamingToken
	PaginationState *LazyPaginationState
}

func (t SyncBatchToken) String() string {
	if t.PaginationState == nil {
		return t.StreamToken.String()
	}
	return t.StreamToken.String() + "~" + t.PaginationState.String()
}

// MarshalText lets next_batch serialise as its opaque string form.
func (t SyncBatchToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *SyncBatchToken) UnmarshalText(data []byte) error {
	token, err := NewSyncBatchTokenFromString(string(data))
	if err != nil {
		return err
	}
	*t = token
	return nil
}

// NewSyncBatchTokenFromString parses a batch token. A bare streaming token
// parses as a batch token with no pagination state.
func NewSyncBatchTokenFromString(tok string) (SyncBatchToken, error) {
	var token SyncBatchToken
	stream, pagination, found := strings.Cut(tok, "~")
	st, err := NewStreamTokenFromString(stream)
	if err != nil {
		return token, err
	}
	token.StreamToken = st
	if found {
		token.PaginationState, err = newLazyPaginationStateFromString(pagination)
		if err != nil {
			return token, err
		}
	}
	return token, nil
}

// StreamEvent is an event as it sits on the room stream: the opaque event
// fields the engine needs plus its stream position and the position just
// below it.
type StreamEvent struct {
	EventID        string
	RoomID         string
	Type           string
	StateKey       *string
	Sender         string
	Content        spec.RawJSON
	Unsigned       spec.RawJSON
	OriginServerTS spec.Timestamp
	StreamPosition StreamPosition
	Before         StreamPosition
}

// IsState returns true if the event is a state event.
func (e *StreamEvent) IsState() bool {
	return e.StateKey != nil
}

// Membership returns the membership field of an m.room.member event's
// content, or the empty string.
func (e *StreamEvent) Membership() string {
	if e.Type != spec.MRoomMember {
		return ""
	}
	return gjson.GetBytes(e.Content, "membership").Str
}

// ToClientEvent strips the event down to the client-facing format.
func (e *StreamEvent) ToClientEvent() synctypes.ClientEvent {
	return synctypes.ClientEvent{
		Content:        e.Content,
		EventID:        e.EventID,
		OriginServerTS: e.OriginServerTS,
		RoomID:         e.RoomID,
		Sender:         e.Sender,
		StateKey:       e.StateKey,
		Type:           e.Type,
		Unsigned:       e.Unsigned,
	}
}

// NewStreamEventFromJSON extracts the fields the engine cares about from a
// full event JSON, as received on the intake stream.
func NewStreamEventFromJSON(eventJSON []byte) (*StreamEvent, error) {
	fields := gjson.GetManyBytes(
		eventJSON,
		"event_id", "room_id", "type", "state_key",
		"sender", "content", "unsigned", "origin_server_ts",
	)
	if !fields[0].Exists() || !fields[1].Exists() || !fields[2].Exists() {
		return nil, fmt.Errorf("event JSON missing event_id, room_id or type")
	}
	ev := StreamEvent{
		EventID:        fields[0].Str,
		RoomID:         fields[1].Str,
		Type:           fields[2].Str,
		Sender:         fields[4].Str,
		OriginServerTS: spec.Timestamp(fields[7].Uint()),
	}
	if fields[3].Exists() {
		sk := fields[3].Str
		ev.StateKey = &sk
	}
	if fields[5].Exists() {
		ev.Content = spec.RawJSON(fields[5].Raw)
	}
	if fields[6].Exists() {
		ev.Unsigned = spec.RawJSON(fields[6].Raw)
	}
	return &ev, nil
}

// StateKeyTuple identifies a piece of room state.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// StateMap is a resolved room state snapshot.
type StateMap map[StateKeyTuple]*StreamEvent

// NewStateMap builds a state map from a list of events, keeping the last
// event per (type, state_key). Non-state events are skipped.
func NewStateMap(events []*StreamEvent) StateMap {
	m := make(StateMap, len(events))
	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		m[StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey}] = ev
	}
	return m
}

// RecentEvents is one room's slice of the bulk stream fetch. StartPosition
// is the stream position just below the first returned event, used as the
// prev_batch base for that room.
type RecentEvents struct {
	Events        []*StreamEvent
	StartPosition StreamPosition
}

// RoomMembership is one room's current membership for a user, with the
// membership event that set it.
type RoomMembership struct {
	RoomID     string
	Membership string
	Event      *StreamEvent
}

// Device identifies the authenticated requester.
type Device struct {
	UserID  string
	ID      string
	IsGuest bool
}

// SyncExtras carries the extra request surfaces beyond the standard filter:
// peeking into rooms the user is not joined to, and requesting extra rooms
// beyond the pagination limit.
type SyncExtras struct {
	Paginate PaginateExtra        `json:"paginate"`
	Peek     map[string]PeekExtra `json:"peek"`
}

// PaginateExtra asks for extra rooms on top of the pagination config's own
// limit. Those rooms are sent from scratch.
type PaginateExtra struct {
	Limit int `json:"limit"`
}

// PeekExtra requests one room the user may not be joined to. Since, when
// set, is the batch token the client last saw for that room.
type PeekExtra struct {
	Since string `json:"since"`
}

// OutputReceiptEvent is a single receipt on the receipt stream.
type OutputReceiptEvent struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// OutputTypingEvent is the intake message for typing notifications.
type OutputTypingEvent struct {
	RoomID         string         `json:"room_id"`
	UserID         string         `json:"user_id"`
	Typing         bool           `json:"typing"`
	TimeoutMS      int64          `json:"timeout_ms"`
	OriginServerTS spec.Timestamp `json:"origin_server_ts"`
}

// OutputPresenceEvent is the intake message for presence updates.
type OutputPresenceEvent struct {
	UserID       string         `json:"user_id"`
	Presence     string         `json:"presence"`
	StatusMsg    *string        `json:"status_msg,omitempty"`
	LastActiveTS spec.Timestamp `json:"last_active_ts"`
}

// OutputAccountDataEvent is the intake message for account data updates.
// RoomID is empty for global account data.
type OutputAccountDataEvent struct {
	UserID  string       `json:"user_id"`
	RoomID  string       `json:"room_id"`
	Type    string       `json:"type"`
	Content spec.RawJSON `json:"content"`
}
