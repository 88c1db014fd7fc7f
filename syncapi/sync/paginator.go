// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/syncapi/types"
)

// rankedRoom is one room's position in the activity ordering: the latest
// visible event's origin timestamp at the now-token.
type rankedRoom struct {
	roomID  string
	eventID string
	ts      spec.Timestamp
}

// paginate rewrites the plan set so only a bounded page of the most recently
// active rooms materializes this poll. Rooms cut from earlier pages (their
// activity at the cursor is strictly older than the carried page edge) are
// upgraded to from-scratch resyncs before ranking, so they surface with full
// state exactly once as paging proceeds. Returns the pagination state for
// next_batch, nil once every room has fit.
func (b *resultBuilder) paginate(ctx context.Context, plans map[string]*roomPlan) (*types.LazyPaginationState, error) {
	var prior *types.LazyPaginationState
	if b.req.since != nil {
		prior = b.req.since.PaginationState
	}

	var cfg types.LazyPaginationConfig
	switch {
	case b.req.pagination != nil:
		cfg = *b.req.pagination
	case prior != nil:
		cfg = types.LazyPaginationConfig{Order: prior.Order, Limit: prior.Limit, Tags: prior.Tags}
	default:
		return nil, nil
	}
	extras := b.req.extras.Paginate.Limit
	if extras < 0 {
		extras = 0
	}
	pageSize := cfg.Limit + extras

	b.res.PaginationInfo = &types.PaginationInfo{}

	candidates, err := b.paginationCandidates(ctx, plans, prior, cfg.Tags)
	if err != nil {
		return nil, err
	}

	ranked, err := b.rankRoomsByActivity(ctx, candidates, pageSize+1)
	if err != nil {
		return nil, err
	}

	if len(ranked) <= pageSize {
		// Everything left fits in one page: nothing is deferred and the
		// paging cursor ends here. Rooms beyond the client's own limit were
		// still only asked for via extras, so they arrive from scratch.
		b.markFreshRooms(plans, ranked, cfg.Limit)
		return nil, nil
	}

	page := ranked[:pageSize]
	value := page[len(page)-1].ts
	b.markFreshRooms(plans, page, cfg.Limit)

	var oldValue spec.Timestamp
	if prior != nil {
		oldValue = prior.Value
	}
	// Gappy edge detection: a room outside the page whose activity falls
	// strictly between the previously-paged-to point and the new page edge.
	edge := ranked[pageSize]
	b.res.PaginationInfo.Limited = oldValue < edge.ts && edge.ts < value

	inPage := make(map[string]struct{}, len(page))
	for _, room := range page {
		inPage[room.roomID] = struct{}{}
	}
	for roomID, plan := range plans {
		if _, ok := inPage[roomID]; !ok && !plan.alwaysInclude {
			delete(plans, roomID)
		}
	}

	return &types.LazyPaginationState{
		Order: cfg.Order,
		Value: value,
		Limit: pageSize,
		Tags:  cfg.Tags,
	}, nil
}

// paginationCandidates picks the rooms eligible for this page. On a fresh
// config every plan is a candidate. On a continuation, rooms the client is
// already up to date on are excluded: only rooms cut by an earlier page
// (upgraded here per the tag and peek rules), rooms with new content, and
// forced inclusions compete for the page.
func (b *resultBuilder) paginationCandidates(
	ctx context.Context, plans map[string]*roomPlan,
	prior *types.LazyPaginationState, tags types.PaginationTags,
) ([]string, error) {
	userID := b.req.device.UserID

	if prior == nil {
		if tags == types.PaginationTagsIncludeAll {
			currentTags, err := b.snapshot.GetTagsForUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			for roomID := range currentTags {
				if plan, ok := plans[roomID]; ok {
					plan.alwaysInclude = true
				}
			}
		}
		candidates := make([]string, 0, len(plans))
		for roomID := range plans {
			candidates = append(candidates, roomID)
		}
		return candidates, nil
	}

	var currentTags map[string]spec.RawJSON
	var tagChanges map[string]string
	if tags == types.PaginationTagsIncludeAll {
		var err error
		if currentTags, err = b.snapshot.GetTagsForUser(ctx, userID); err != nil {
			return nil, err
		}
		if tagChanges, err = b.snapshot.GetRoomTagsChanged(ctx, userID, b.since.AccountDataPosition); err != nil {
			return nil, err
		}
	}

	var candidates []string
	for roomID, plan := range plans {
		ref, hasActivity, err := b.roomActivityAt(ctx, roomID, b.since.PDUPosition)
		if err != nil {
			return nil, err
		}
		missingState := !hasActivity || ref.Timestamp < prior.Value
		if missingState {
			b.upgradeMissingStateRoom(plan, tagChanges[roomID], currentTags[roomID] != nil, tags)
		}
		// Archived plans always carry a membership change from this window.
		hasNewContent := (plan.haveRecents && len(plan.recents) > 0) || !plan.joined
		if missingState || hasNewContent || plan.alwaysInclude {
			candidates = append(candidates, roomID)
		}
	}
	return candidates, nil
}

// upgradeMissingStateRoom decides how a room cut by an earlier page comes
// back: tag movements and peek requests can refine the default from-scratch
// resync.
func (b *resultBuilder) upgradeMissingStateRoom(plan *roomPlan, tagChange string, currentlyTagged bool, tags types.PaginationTags) {
	if tags == types.PaginationTagsIncludeAll {
		switch tagChange {
		case types.RoomTagChangeNewlyTagged:
			plan.since = nil
			plan.recents = nil
			plan.haveRecents = false
			plan.alwaysInclude = true
			plan.fullState = true
			plan.wouldRequireResync = true
			plan.synced = true
			return
		case types.RoomTagChangeAllRemoved:
			plan.alwaysInclude = true
			plan.synced = false
			return
		}
		if currentlyTagged {
			plan.alwaysInclude = true
			return
		}
	}

	if peek, ok := b.req.extras.Peek[plan.roomID]; ok {
		plan.alwaysInclude = true
		if peek.Since != "" {
			if tok, err := types.NewSyncBatchTokenFromString(peek.Since); err == nil {
				peekSince := tok.StreamToken
				plan.since = &peekSince
				plan.recents = nil
				plan.haveRecents = false
				return
			}
		}
		plan.since = nil
		plan.recents = nil
		plan.haveRecents = false
		plan.fullState = true
		plan.wouldRequireResync = true
		plan.synced = false
		return
	}

	plan.since = nil
	plan.recents = nil
	plan.haveRecents = false
	plan.fullState = true
	plan.wouldRequireResync = true
}

// markFreshRooms upgrades page entries beyond the client's own limit, i.e.
// the extras overflow, to be sent from scratch.
func (b *resultBuilder) markFreshRooms(plans map[string]*roomPlan, page []rankedRoom, clientLimit int) {
	for i := clientLimit; i < len(page); i++ {
		plan, ok := plans[page[i].roomID]
		if !ok {
			continue
		}
		plan.alwaysInclude = true
		plan.fullState = true
		plan.since = nil
		plan.recents = nil
		plan.haveRecents = false
		plan.upto = b.now
	}
}

// rankRoomsByActivity orders rooms by the origin timestamp of their newest
// event at the now-token, descending, dropping rooms whose ranking event the
// user may not see. At most bound rooms are returned; ranking events are
// visibility-checked in slices of bound so a long tail of rooms costs
// nothing once the page is full.
func (b *resultBuilder) rankRoomsByActivity(ctx context.Context, roomIDs []string, bound int) ([]rankedRoom, error) {
	fanOut := b.rp.cfg.MaterializerFanOut
	if fanOut <= 0 {
		fanOut = 10
	}

	refs := make([]rankedRoom, len(roomIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, roomID := range roomIDs {
		i, roomID := i, roomID
		g.Go(func() error {
			ref, hasActivity, err := b.roomActivityAt(gctx, roomID, b.now.PDUPosition)
			if err != nil {
				return err
			}
			if hasActivity {
				refs[i] = rankedRoom{roomID: roomID, eventID: ref.EventID, ts: ref.Timestamp}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sorted := refs[:0]
	for _, ref := range refs {
		if ref.roomID != "" {
			sorted = append(sorted, ref)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ts != sorted[j].ts {
			return sorted[i].ts > sorted[j].ts
		}
		return sorted[i].roomID < sorted[j].roomID
	})

	var kept []rankedRoom
	for start := 0; start < len(sorted) && len(kept) < bound; start += bound {
		end := start + bound
		if end > len(sorted) {
			end = len(sorted)
		}
		slice := sorted[start:end]
		eventIDs := make([]string, 0, len(slice))
		for _, room := range slice {
			eventIDs = append(eventIDs, room.eventID)
		}
		events, err := b.snapshot.GetEvents(ctx, eventIDs)
		if err != nil {
			return nil, err
		}
		visible, err := b.rp.visibility.FilterEventsForClient(ctx, b.snapshot, b.req.device.UserID, events)
		if err != nil {
			return nil, err
		}
		visibleIDs := make(map[string]struct{}, len(visible))
		for _, ev := range visible {
			visibleIDs[ev.EventID] = struct{}{}
		}
		for _, room := range slice {
			if _, ok := visibleIDs[room.eventID]; !ok {
				continue
			}
			kept = append(kept, room)
			if len(kept) == bound {
				break
			}
		}
	}
	return kept, nil
}

// roomActivityAt returns the newest event reference for a room at a PDU
// position, via the activity cache. The cache key embeds the position, so a
// stored entry never goes stale.
func (b *resultBuilder) roomActivityAt(ctx context.Context, roomID string, at types.StreamPosition) (caching.RoomActivityRef, bool, error) {
	if ref, ok := b.rp.caches.GetRoomActivity(roomID, at); ok {
		return ref, ref.EventID != "", nil
	}
	eventID, ts, err := b.snapshot.GetLastEventIDTsForRoom(ctx, roomID, at)
	if err != nil {
		return caching.RoomActivityRef{}, false, err
	}
	b.rp.caches.StoreRoomActivity(roomID, at, eventID, ts)
	return caching.RoomActivityRef{EventID: eventID, Timestamp: ts}, eventID != "", nil
}
