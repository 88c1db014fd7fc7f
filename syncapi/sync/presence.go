// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sort"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/maps"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// addPresence fills the presence section. An incremental sync carries every
// change since the cursor, offline transitions included; an initial or
// full-state sync only reports users who are currently not offline. Users
// who just became visible to the requester, either by joining one of their
// rooms or because the requester joined a new room, have their current state
// appended on top. Advances the presence position on the builder's
// now-token.
func (b *resultBuilder) addPresence(ctx context.Context, newlyJoinedRooms []string) error {
	var events []synctypes.ClientEvent
	var latest types.StreamPosition
	var err error
	if b.since != nil && !b.fullState {
		events, latest, err = b.rp.presence.GetPresenceAfter(ctx, b.since.PresencePosition, true)
	} else {
		events, latest, err = b.rp.presence.GetPresenceAfter(ctx, 0, false)
	}
	if err != nil {
		return err
	}
	if latest > b.now.PresencePosition {
		b.now.PresencePosition = latest
	}

	extra := make(map[string]struct{})
	b.mu.Lock()
	for userID := range b.newlyJoinedUsers {
		extra[userID] = struct{}{}
	}
	b.mu.Unlock()
	for _, roomID := range newlyJoinedRooms {
		members, err := b.snapshot.GetUsersInRoom(ctx, roomID)
		if err != nil {
			return err
		}
		for _, userID := range members {
			extra[userID] = struct{}{}
		}
	}
	delete(extra, b.req.device.UserID)
	if len(extra) > 0 {
		userIDs := maps.Keys(extra)
		sort.Strings(userIDs)
		states, err := b.rp.presence.GetPresenceStates(ctx, userIDs)
		if err != nil {
			return err
		}
		events = append(events, states...)
	}

	if len(events) == 0 {
		return nil
	}

	// One entry per user, last occurrence wins: a state fetched for a newly
	// visible user supersedes an older streamed update.
	presenceFilter := b.req.filter.Presence
	seen := make(map[string]struct{}, len(events))
	deduped := make([]synctypes.ClientEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		userID := gjson.GetBytes(ev.Content, "user_id").Str
		if userID == "" {
			userID = ev.Sender
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if !presenceFilter.Match(ev.Type, ev.Sender) {
			continue
		}
		deduped = append(deduped, ev)
	}
	for i, j := 0, len(deduped)-1; i < j; i, j = i+1, j-1 {
		deduped[i], deduped[j] = deduped[j], deduped[i]
	}
	if presenceFilter.Limit > 0 && len(deduped) > presenceFilter.Limit {
		deduped = deduped[:presenceFilter.Limit]
	}
	b.res.Presence.Events = deduped
	return nil
}
