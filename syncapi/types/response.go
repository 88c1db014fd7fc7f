// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/meridian-im/syncd/syncapi/synctypes"
)

// Response is the complete sync response for one poll.
type Response struct {
	NextBatch      SyncBatchToken  `json:"next_batch"`
	AccountData    EventBlock      `json:"account_data,omitempty"`
	Presence       EventBlock      `json:"presence,omitempty"`
	Rooms          RoomsResponse   `json:"rooms"`
	PaginationInfo *PaginationInfo `json:"pagination_info,omitempty"`
}

// NewResponse makes a response with all room maps allocated, so a room can
// be assigned into its bucket without a nil check.
func NewResponse() *Response {
	return &Response{
		Rooms: RoomsResponse{
			Join:   make(map[string]*JoinResponse),
			Invite: make(map[string]*InviteResponse),
			Leave:  make(map[string]*LeaveResponse),
			Errors: make(map[string]*RoomError),
		},
	}
}

// IsEmpty returns true if the response carries nothing a waiting long-poll
// should return for. Room errors deliberately do not count: a peek denial
// alone does not satisfy a poll, but it is still delivered when the poll
// returns for another reason or times out.
func (r *Response) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.AccountData.Events) == 0 &&
		len(r.Presence.Events) == 0
}

// EventBlock is a list of events under an "events" key.
type EventBlock struct {
	Events []synctypes.ClientEvent `json:"events"`
}

// PaginationInfo is surfaced whenever the lazy-loading paginator ran.
type PaginationInfo struct {
	Limited bool `json:"limited"`
}

// RoomsResponse buckets rooms by the requester's relationship to them. Being
// maps keyed by room ID, a room can appear in at most one bucket.
type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join"`
	Invite map[string]*InviteResponse `json:"invite"`
	Leave  map[string]*LeaveResponse  `json:"leave"`
	Errors map[string]*RoomError      `json:"errors,omitempty"`
}

// TimelineBatch is one room's recent events. Limited means older events were
// trimmed and the client must paginate backwards from PrevBatch to see more.
type TimelineBatch struct {
	Events    []synctypes.ClientEvent `json:"events"`
	Limited   bool                    `json:"limited"`
	PrevBatch string                  `json:"prev_batch,omitempty"`
}

// JoinResponse is the sync result for one joined room. Synced tells the
// client whether the payload is a full re-sync of the room (true) or a delta
// against a prior known state (false).
type JoinResponse struct {
	Synced              bool                 `json:"synced"`
	State               EventBlock           `json:"state"`
	Timeline            TimelineBatch        `json:"timeline"`
	Ephemeral           EventBlock           `json:"ephemeral"`
	AccountData         EventBlock           `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// NewJoinResponse returns a join response with the synced flag defaulted on.
func NewJoinResponse() *JoinResponse {
	return &JoinResponse{Synced: true}
}

// IsEmpty returns true if the joined room would tell the client nothing.
// Unread counts and the synced flag do not count.
func (jr *JoinResponse) IsEmpty() bool {
	return len(jr.State.Events) == 0 &&
		len(jr.Timeline.Events) == 0 &&
		len(jr.Ephemeral.Events) == 0 &&
		len(jr.AccountData.Events) == 0
}

// UnreadNotifications is carried on joined rooms when the user has a read
// receipt in the room. Absent entirely when they do not, so the client keeps
// its previous counts.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// LeaveResponse is the sync result for a room the user left or was banned
// from.
type LeaveResponse struct {
	State       EventBlock    `json:"state"`
	Timeline    TimelineBatch `json:"timeline"`
	AccountData EventBlock    `json:"account_data"`
}

func (lr *LeaveResponse) IsEmpty() bool {
	return len(lr.State.Events) == 0 &&
		len(lr.Timeline.Events) == 0 &&
		len(lr.AccountData.Events) == 0
}

// InviteResponse is the sync result for a room the user has been invited
// to: the stripped state carried on the invite plus the invite event itself.
type InviteResponse struct {
	InviteState struct {
		Events []spec.RawJSON `json:"events"`
	} `json:"invite_state"`
}

// NewInviteResponse renders an invite event. Stripped state events carried
// in unsigned.invite_room_state are lifted into invite_state, then the
// invite event itself is appended with that key removed so the payload is
// not duplicated.
func NewInviteResponse(inviteEvent *StreamEvent) (*InviteResponse, error) {
	res := &InviteResponse{}
	if carried := gjson.GetBytes(inviteEvent.Unsigned, "invite_room_state"); carried.IsArray() {
		for _, ev := range carried.Array() {
			res.InviteState.Events = append(res.InviteState.Events, spec.RawJSON(ev.Raw))
		}
	}
	eventJSON, err := json.Marshal(inviteEvent.ToClientEvent())
	if err != nil {
		return nil, fmt.Errorf("marshalling invite event: %w", err)
	}
	eventJSON, err = sjson.DeleteBytes(eventJSON, "unsigned.invite_room_state")
	if err != nil {
		return nil, fmt.Errorf("stripping invite_room_state: %w", err)
	}
	res.InviteState.Events = append(res.InviteState.Events, eventJSON)
	return res, nil
}

// RoomError is an inline per-room failure, currently only peek denials.
type RoomError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}
