// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/meridian-im/syncd/syncapi/types"
)

// Back-fill gives up after this many storage round trips even if the
// timeline cap was not reached; the batch is then served as limited.
const timelineLoadAttempts = 5

func (b *resultBuilder) timelineLimit() int {
	if limit := b.req.filter.Room.Timeline.Limit; limit > 0 {
		return limit
	}
	return b.rp.cfg.DefaultTimelineLimit
}

// loadTimeline assembles one room's timeline batch: the candidate events
// from the plan, back-filled from storage until the timeline cap is reached,
// the bottom of the room is hit, or the attempt budget runs out. Filtering
// can discard events, so each page is re-fetched at a multiple of the cap.
// Returns the retained events in stream order, the limited flag and the
// prev_batch token.
func (b *resultBuilder) loadTimeline(ctx context.Context, plan *roomPlan) ([]*types.StreamEvent, bool, types.StreamingToken, error) {
	timelineLimit := b.timelineLimit()
	limited := !plan.haveRecents || plan.newlyJoined || len(plan.recents) > timelineLimit

	events, err := b.filterTimelineEvents(ctx, plan.roomID, plan.recents)
	if err != nil {
		return nil, false, types.StreamingToken{}, err
	}

	if !limited {
		return events, false, plan.upto, nil
	}

	loadLimit := timelineLimit * 2
	if loadLimit < 10 {
		loadLimit = 10
	}
	// Newly joined rooms back-fill with no lower bound: the client has never
	// seen the room, so pre-cursor history is wanted.
	var sinceKey *types.StreamPosition
	if plan.since != nil && !plan.newlyJoined {
		pos := plan.since.PDUPosition
		sinceKey = &pos
	}
	endKey := plan.upto.PDUPosition

	for attempts := 0; attempts < timelineLoadAttempts && len(events) < timelineLimit; attempts++ {
		// Fetch one more than the page size to learn whether older events
		// remain without another round trip.
		fetched, err := b.snapshot.GetRoomEventsStreamForRoom(ctx, plan.roomID, sinceKey, endKey, loadLimit+1)
		if err != nil {
			return nil, false, types.StreamingToken{}, err
		}
		if len(fetched) == 0 {
			limited = false
			break
		}
		reachedBottom := len(fetched) <= loadLimit
		if !reachedBottom {
			// Drop the probe event, keeping the newest loadLimit.
			fetched = fetched[1:]
		}
		endKey = fetched[0].Before

		page, err := b.filterTimelineEvents(ctx, plan.roomID, fetched)
		if err != nil {
			return nil, false, types.StreamingToken{}, err
		}
		events = append(page, events...)

		if reachedBottom {
			limited = false
			break
		}
	}

	trimmed := false
	if len(events) > timelineLimit {
		events = events[len(events)-timelineLimit:]
		trimmed = true
	}
	prevBatch := plan.upto
	if trimmed {
		// Strictly below the first retained event, whether or not back-fill
		// ran.
		prevBatch.PDUPosition = events[0].Before
	}
	return events, limited || plan.newlyJoined, prevBatch, nil
}

// filterTimelineEvents applies the timeline filter and then the visibility
// filter, preserving stream order.
func (b *resultBuilder) filterTimelineEvents(ctx context.Context, roomID string, events []*types.StreamEvent) ([]*types.StreamEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	timelineFilter := b.req.filter.Room.Timeline
	kept := make([]*types.StreamEvent, 0, len(events))
	for _, ev := range events {
		if timelineFilter.Match(roomID, ev.Type, ev.Sender) {
			kept = append(kept, ev)
		}
	}
	return b.rp.visibility.FilterEventsForClient(ctx, b.snapshot, b.req.device.UserID, kept)
}
