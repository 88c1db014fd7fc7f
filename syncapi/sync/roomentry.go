// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// materializeRoom turns one plan into a joined or archived room entry and
// appends it to the response. Runs on a fan-out goroutine: the plan is owned
// by this call, only the response append takes the builder lock.
func (b *resultBuilder) materializeRoom(
	ctx context.Context, plan *roomPlan,
	accountData map[string]spec.RawJSON,
	ephemeral []synctypes.ClientEvent,
) error {
	alwaysInclude := plan.alwaysInclude || plan.newlyJoined || b.fullState
	fullState := plan.fullState || plan.newlyJoined || b.fullState || plan.wouldRequireResync

	// A room with known-empty events and nothing else to say is skipped
	// before touching storage at all.
	if !alwaysInclude && !fullState &&
		len(accountData) == 0 && len(ephemeral) == 0 &&
		plan.haveRecents && len(plan.recents) == 0 {
		return nil
	}

	if plan.wouldRequireResync {
		// The client has no recent view of this room: reload from the tip
		// as if it had never been sent.
		plan.since = nil
		plan.recents = nil
		plan.haveRecents = false
	}

	retained, limited, prevBatch, err := b.loadTimeline(ctx, plan)
	if err != nil {
		return err
	}

	if !alwaysInclude && !fullState &&
		len(retained) == 0 && len(accountData) == 0 && len(ephemeral) == 0 {
		return nil
	}

	stateEvents, err := b.roomStateDelta(ctx, plan, fullState, retained, limited)
	if err != nil {
		return err
	}

	timeline := types.TimelineBatch{
		Events:    roomScopedClientEvents(retained),
		Limited:   limited,
		PrevBatch: prevBatch.String(),
	}
	accountDataEvents := b.roomAccountDataEvents(plan.roomID, accountData)

	if plan.joined {
		join := types.NewJoinResponse()
		join.Synced = plan.synced
		join.Timeline = timeline
		join.State.Events = stateEvents
		join.Ephemeral.Events = ephemeral
		join.AccountData.Events = accountDataEvents
		if join.UnreadNotifications, err = b.unreadNotifications(ctx, plan.roomID); err != nil {
			return err
		}
		if join.IsEmpty() && !alwaysInclude {
			return nil
		}
		b.mu.Lock()
		b.res.Rooms.Join[plan.roomID] = join
		b.mu.Unlock()
		return nil
	}

	leave := &types.LeaveResponse{Timeline: timeline}
	leave.State.Events = stateEvents
	leave.AccountData.Events = accountDataEvents
	if leave.IsEmpty() && !alwaysInclude {
		return nil
	}
	b.mu.Lock()
	b.res.Rooms.Leave[plan.roomID] = leave
	b.mu.Unlock()
	return nil
}

// unreadNotifications looks up the user's read position in the room and
// counts what lies beyond it. No receipt means no counts at all, so the
// client keeps whatever it last showed.
func (b *resultBuilder) unreadNotifications(ctx context.Context, roomID string) (*types.UnreadNotifications, error) {
	lastRead, err := b.snapshot.GetLastReceiptEventIDForUser(ctx, b.req.device.UserID, roomID, receiptTypeRead)
	if err != nil {
		return nil, err
	}
	if lastRead == "" {
		return nil, nil
	}
	return b.snapshot.GetUnreadEventPushActionsByRoomForUser(ctx, roomID, b.req.device.UserID, lastRead)
}

// roomScopedClientEvents renders stream events for a room-scoped response
// section, which never repeats the room ID.
func roomScopedClientEvents(events []*types.StreamEvent) []synctypes.ClientEvent {
	out := make([]synctypes.ClientEvent, 0, len(events))
	for _, ev := range events {
		clientEvent := ev.ToClientEvent()
		clientEvent.RoomID = ""
		out = append(out, clientEvent)
	}
	return out
}
