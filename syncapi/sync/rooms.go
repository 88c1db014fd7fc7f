// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// roomPlan is the hand-off value between the room-change resolver (or the
// paginator) and exactly one materializer goroutine. Nobody mutates a plan
// after materialization starts.
type roomPlan struct {
	roomID string
	// joined selects the response bucket: join when true, leave otherwise.
	joined bool
	// recents are candidate timeline events already fetched by the resolver.
	// haveRecents distinguishes "known, possibly empty" from "fetch lazily".
	recents     []*types.StreamEvent
	haveRecents bool
	newlyJoined bool
	fullState   bool
	// since is nil when the room has no lower bound, i.e. it is being sent
	// from scratch.
	since *types.StreamingToken
	upto  types.StreamingToken
	// alwaysInclude forces emission even when the room would otherwise be
	// skipped as empty, and protects the plan from the paginator's cut.
	alwaysInclude bool
	// wouldRequireResync means the client has no recent view of this room;
	// the materializer drops the since bound and reloads from the tip.
	wouldRequireResync bool
	synced             bool
}

// addRooms runs the central pipeline: classify rooms, collect ephemerals,
// apply peeks and the paginator, then materialize the surviving plans with
// bounded fan-out. Returns the newly joined rooms for presence assembly and
// the pagination state for next_batch.
func (b *resultBuilder) addRooms(ctx context.Context, accountDataByRoom map[string]map[string]spec.RawJSON) ([]string, *types.LazyPaginationState, error) {
	ignored, err := b.ignoredUsers(ctx)
	if err != nil {
		return nil, nil, err
	}

	var plans map[string]*roomPlan
	var joinedRoomIDs []string
	if b.since != nil {
		plans, joinedRoomIDs, err = b.getRoomsChanged(ctx, ignored)
	} else {
		plans, joinedRoomIDs, err = b.getAllRooms(ctx, ignored)
	}
	if err != nil {
		return nil, nil, err
	}

	ephemeralByRoom, err := b.addEphemeral(ctx, joinedRoomIDs)
	if err != nil {
		return nil, nil, err
	}

	var paginationState *types.LazyPaginationState
	if b.req.pagination != nil || (b.req.since != nil && b.req.since.PaginationState != nil) {
		if paginationState, err = b.paginate(ctx, plans); err != nil {
			return nil, nil, err
		}
	}

	// Peeked rooms the pipeline did not admit are answered inline; the rest
	// of the sync is unaffected.
	for roomID := range b.req.extras.Peek {
		if _, ok := plans[roomID]; ok {
			continue
		}
		if _, ok := b.res.Rooms.Invite[roomID]; ok {
			continue
		}
		b.res.Rooms.Errors[roomID] = &types.RoomError{
			ErrCode: "M_CANNOT_PEEK",
			Err:     "Cannot peek into requested room",
		}
	}

	fanOut := b.rp.cfg.MaterializerFanOut
	if fanOut <= 0 {
		fanOut = 10
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			return b.materializeRoom(gctx, plan, accountDataByRoom[plan.roomID], ephemeralByRoom[plan.roomID])
		})
	}
	if err = g.Wait(); err != nil {
		return nil, nil, err
	}

	var newlyJoinedRooms []string
	for roomID, plan := range plans {
		if plan.newlyJoined {
			newlyJoinedRooms = append(newlyJoinedRooms, roomID)
		}
	}
	sort.Strings(newlyJoinedRooms)

	if b.since != nil {
		b.scanNewlyJoinedUsers()
	}
	return newlyJoinedRooms, paginationState, nil
}

// ignoredUsers reads the key set of the ignored_users object in the global
// m.ignored_user_list account data.
func (b *resultBuilder) ignoredUsers(ctx context.Context) (map[string]struct{}, error) {
	raw, err := b.snapshot.GetGlobalAccountDataByType(ctx, b.req.device.UserID, "m.ignored_user_list")
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]struct{})
	if raw == nil {
		return ignored, nil
	}
	gjson.GetBytes(raw, "ignored_users").ForEach(func(key, _ gjson.Result) bool {
		ignored[key.Str] = struct{}{}
		return true
	})
	return ignored, nil
}

// getRoomsChanged classifies rooms from the membership changes in
// (since, now] and builds plans for the currently joined rooms from one bulk
// stream fetch.
func (b *resultBuilder) getRoomsChanged(ctx context.Context, ignored map[string]struct{}) (map[string]*roomPlan, []string, error) {
	userID := b.req.device.UserID
	since := *b.since

	currentJoins, err := b.snapshot.GetRoomsForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	joinedSet := make(map[string]struct{}, len(currentJoins))
	var joinedRoomIDs []string
	for _, roomID := range currentJoins {
		if !b.req.filter.Room.MatchRoom(roomID) {
			continue
		}
		joinedSet[roomID] = struct{}{}
		joinedRoomIDs = append(joinedRoomIDs, roomID)
	}
	sort.Strings(joinedRoomIDs)

	changes, err := b.snapshot.GetMembershipChangesForUser(ctx, userID, since.PDUPosition, b.now.PDUPosition)
	if err != nil {
		return nil, nil, err
	}
	changesByRoom := make(map[string][]*types.StreamEvent)
	var changedRooms []string
	for _, ev := range changes {
		if !b.req.filter.Room.MatchRoom(ev.RoomID) {
			continue
		}
		if _, ok := changesByRoom[ev.RoomID]; !ok {
			changedRooms = append(changedRooms, ev.RoomID)
		}
		changesByRoom[ev.RoomID] = append(changesByRoom[ev.RoomID], ev)
	}

	plans := make(map[string]*roomPlan)
	newlyJoined := make(map[string]bool)
	for _, roomID := range changedRooms {
		evs := changesByRoom[roomID]
		_, currentlyJoined := joinedSet[roomID]
		hasJoin := false
		for _, ev := range evs {
			if ev.Membership() == spec.Join {
				hasJoin = true
				break
			}
		}
		if currentlyJoined || hasJoin {
			// Newly joined means the membership at the cursor was not join,
			// even if the user has since left again.
			state, err := b.stateAtPosition(ctx, roomID, since.PDUPosition)
			if err != nil {
				return nil, nil, err
			}
			prev := state[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: userID}]
			if prev == nil || prev.Membership() != spec.Join {
				newlyJoined[roomID] = true
			}
		}
		if currentlyJoined {
			// The plan comes from the bulk fetch below.
			continue
		}

		var latest *types.StreamEvent
		for i := len(evs) - 1; i >= 0; i-- {
			if evs[i].Membership() != spec.Join {
				latest = evs[i]
				break
			}
		}
		if latest == nil {
			continue
		}
		switch latest.Membership() {
		case spec.Invite:
			if _, isIgnored := ignored[latest.Sender]; isIgnored {
				continue
			}
			invite, err := types.NewInviteResponse(latest)
			if err != nil {
				return nil, nil, err
			}
			b.res.Rooms.Invite[roomID] = invite
		case spec.Leave, spec.Ban:
			if latest.StreamPosition <= since.PDUPosition {
				// The client already saw this leave.
				continue
			}
			upto := b.now
			upto.PDUPosition = latest.StreamPosition
			planSince := since
			plans[roomID] = &roomPlan{
				roomID:      roomID,
				since:       &planSince,
				upto:        upto,
				newlyJoined: newlyJoined[roomID],
				synced:      true,
			}
		}
	}

	recentsByRoom, err := b.snapshot.GetRoomEventsStreamForRooms(
		ctx, joinedRoomIDs, since.PDUPosition, b.now.PDUPosition, b.timelineLimit()+1,
	)
	if err != nil {
		return nil, nil, err
	}
	for _, roomID := range joinedRoomIDs {
		plan := &roomPlan{
			roomID:      roomID,
			joined:      true,
			haveRecents: true,
			newlyJoined: newlyJoined[roomID],
			synced:      true,
		}
		if recents, ok := recentsByRoom[roomID]; ok {
			plan.recents = recents.Events
			upto := b.now
			upto.PDUPosition = recents.StartPosition
			plan.upto = upto
			if !plan.newlyJoined {
				planSince := since
				plan.since = &planSince
			}
		} else {
			planSince := since
			plan.since = &planSince
			plan.upto = since
		}
		plans[roomID] = plan
	}
	return plans, joinedRoomIDs, nil
}

// getAllRooms is the initial-sync lister: every membership the filter
// admits, with full state.
func (b *resultBuilder) getAllRooms(ctx context.Context, ignored map[string]struct{}) (map[string]*roomPlan, []string, error) {
	userID := b.req.device.UserID
	memberships, err := b.snapshot.GetRoomsForUserWhereMembershipIs(
		ctx, userID, []string{spec.Invite, spec.Join, spec.Leave, spec.Ban},
	)
	if err != nil {
		return nil, nil, err
	}

	plans := make(map[string]*roomPlan)
	var joinedRoomIDs []string
	for _, membership := range memberships {
		if !b.req.filter.Room.MatchRoom(membership.RoomID) {
			continue
		}
		switch membership.Membership {
		case spec.Join:
			plans[membership.RoomID] = &roomPlan{
				roomID:    membership.RoomID,
				joined:    true,
				fullState: true,
				upto:      b.now,
				synced:    true,
			}
			joinedRoomIDs = append(joinedRoomIDs, membership.RoomID)
		case spec.Invite:
			if _, isIgnored := ignored[membership.Event.Sender]; isIgnored {
				continue
			}
			invite, err := types.NewInviteResponse(membership.Event)
			if err != nil {
				return nil, nil, err
			}
			b.res.Rooms.Invite[membership.RoomID] = invite
		case spec.Leave, spec.Ban:
			// A plain self-initiated leave is noise on an initial sync
			// unless the filter asks for it. Kicks and bans always show.
			if membership.Membership == spec.Leave &&
				membership.Event.Sender == userID &&
				!b.req.filter.Room.IncludeLeave {
				continue
			}
			upto := b.now
			upto.PDUPosition = membership.Event.StreamPosition
			plans[membership.RoomID] = &roomPlan{
				roomID:    membership.RoomID,
				fullState: true,
				upto:      upto,
				synced:    true,
			}
		}
	}
	sort.Strings(joinedRoomIDs)
	return plans, joinedRoomIDs, nil
}

// scanNewlyJoinedUsers walks the materialized joined rooms for member events
// with membership join; those users just became visible to the requester and
// feed the presence assembler.
func (b *resultBuilder) scanNewlyJoinedUsers() {
	note := func(events []synctypes.ClientEvent) {
		for _, ev := range events {
			if ev.Type != spec.MRoomMember || ev.StateKey == nil {
				continue
			}
			if gjson.GetBytes(ev.Content, "membership").Str == spec.Join {
				b.noteNewlyJoinedUsers(*ev.StateKey)
			}
		}
	}
	for _, join := range b.res.Rooms.Join {
		note(join.Timeline.Events)
		note(join.State.Events)
	}
}
