// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// calculateStateDelta is the pure core of state selection. The events to
// send are ((current ∪ timelineStart) \ previous) \ timelineContains by
// event ID: anything visible at the tip or at the timeline's start that the
// client did not already have at the previous sync and that is not already
// being delivered in the timeline itself. When two surviving events claim
// the same (type, state_key), the timeline-start event wins.
func calculateStateDelta(timelineContains, timelineStart, previous, current types.StateMap) types.StateMap {
	byID := make(map[string]struct{}, len(current)+len(timelineStart))
	for _, ev := range current {
		byID[ev.EventID] = struct{}{}
	}
	for _, ev := range timelineStart {
		byID[ev.EventID] = struct{}{}
	}
	for _, ev := range previous {
		delete(byID, ev.EventID)
	}
	for _, ev := range timelineContains {
		delete(byID, ev.EventID)
	}

	delta := make(types.StateMap)
	for key, ev := range current {
		if _, ok := byID[ev.EventID]; ok {
			delta[key] = ev
		}
	}
	for key, ev := range timelineStart {
		if _, ok := byID[ev.EventID]; ok {
			delta[key] = ev
		}
	}
	return delta
}

// stateAtPosition resolves the room state at a stream position: the state
// after the newest event at or below it. Rooms with no events there have no
// state.
func (b *resultBuilder) stateAtPosition(ctx context.Context, roomID string, pos types.StreamPosition) (types.StateMap, error) {
	evs, err := b.snapshot.GetRecentEventsForRoom(ctx, roomID, pos, 1)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	ev := evs[len(evs)-1]
	state, err := b.snapshot.GetStateForEvent(ctx, ev.EventID)
	if err != nil {
		return nil, err
	}
	if !ev.IsState() {
		return state, nil
	}
	// GetStateForEvent is the state before the event; overlay the event
	// itself without mutating the store's map.
	overlaid := make(types.StateMap, len(state)+1)
	for key, sev := range state {
		overlaid[key] = sev
	}
	overlaid[types.StateKeyTuple{EventType: ev.Type, StateKey: *ev.StateKey}] = ev
	return overlaid, nil
}

// roomStateDelta chooses the four state snapshots for one room per the sync
// mode and runs the delta calculation. retained is the timeline batch after
// trimming, in stream order.
func (b *resultBuilder) roomStateDelta(
	ctx context.Context, plan *roomPlan, fullState bool,
	retained []*types.StreamEvent, limited bool,
) ([]synctypes.ClientEvent, error) {
	timelineContains := types.NewStateMap(retained)

	var current, timelineStart, previous types.StateMap
	var err error
	switch {
	case fullState && len(retained) > 0:
		if current, err = b.snapshot.GetStateForEvent(ctx, retained[len(retained)-1].EventID); err != nil {
			return nil, err
		}
		if timelineStart, err = b.snapshot.GetStateForEvent(ctx, retained[0].EventID); err != nil {
			return nil, err
		}
	case fullState:
		if current, err = b.stateAtPosition(ctx, plan.roomID, plan.upto.PDUPosition); err != nil {
			return nil, err
		}
		timelineStart = current
	case limited && plan.since != nil && len(retained) > 0:
		if previous, err = b.stateAtPosition(ctx, plan.roomID, plan.since.PDUPosition); err != nil {
			return nil, err
		}
		if current, err = b.snapshot.GetStateForEvent(ctx, retained[len(retained)-1].EventID); err != nil {
			return nil, err
		}
		if timelineStart, err = b.snapshot.GetStateForEvent(ctx, retained[0].EventID); err != nil {
			return nil, err
		}
	default:
		// An unlimited incremental timeline is contiguous from the previous
		// sync, so it already carries every state transition.
		return nil, nil
	}

	delta := calculateStateDelta(timelineContains, timelineStart, previous, current)
	if len(delta) == 0 {
		return nil, nil
	}

	stateFilter := b.req.filter.Room.State
	events := maps.Values(delta)
	sort.Slice(events, func(i, j int) bool {
		return events[i].StreamPosition < events[j].StreamPosition
	})
	events, err = b.rp.visibility.FilterEventsForClient(ctx, b.snapshot, b.req.device.UserID, events)
	if err != nil {
		return nil, err
	}
	out := make([]synctypes.ClientEvent, 0, len(events))
	for _, ev := range events {
		if !stateFilter.Match(plan.roomID, ev.Type, ev.Sender) {
			continue
		}
		clientEvent := ev.ToClientEvent()
		clientEvent.RoomID = ""
		out = append(out, clientEvent)
	}
	return out, nil
}
