// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/meridian-im/syncd/syncapi/types"
)

// Snapshot is a read view bounded by the stream positions captured at
// creation. Writers may keep appending; this snapshot will not see them.
type Snapshot struct {
	db  *Database
	max types.StreamingToken
}

func (s *Snapshot) Commit() error   { return nil }
func (s *Snapshot) Rollback() error { return nil }

// membershipAt returns the user's membership in a room at the given
// position, with the member event that set it.
func (s *Snapshot) membershipAt(roomID, userID string, at types.StreamPosition) (string, *types.StreamEvent) {
	var membership string
	var event *types.StreamEvent
	for _, ev := range s.db.roomEvents[roomID] {
		if ev.StreamPosition > at {
			break
		}
		if ev.Type == spec.MRoomMember && ev.StateKey != nil && *ev.StateKey == userID {
			membership = ev.Membership()
			event = ev
		}
	}
	return membership, event
}

func (s *Snapshot) GetRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var rooms []string
	for roomID := range s.db.roomEvents {
		if membership, _ := s.membershipAt(roomID, userID, s.max.PDUPosition); membership == spec.Join {
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *Snapshot) GetMembershipChangesForUser(ctx context.Context, userID string, from, to types.StreamPosition) ([]*types.StreamEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if to > s.max.PDUPosition {
		to = s.max.PDUPosition
	}
	var changes []*types.StreamEvent
	for _, events := range s.db.roomEvents {
		for _, ev := range events {
			if ev.StreamPosition <= from || ev.StreamPosition > to {
				continue
			}
			if ev.Type == spec.MRoomMember && ev.StateKey != nil && *ev.StateKey == userID {
				changes = append(changes, ev)
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].StreamPosition < changes[j].StreamPosition
	})
	return changes, nil
}

func (s *Snapshot) GetRoomsForUserWhereMembershipIs(ctx context.Context, userID string, memberships []string) ([]types.RoomMembership, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	wanted := make(map[string]struct{}, len(memberships))
	for _, m := range memberships {
		wanted[m] = struct{}{}
	}
	var result []types.RoomMembership
	for roomID := range s.db.roomEvents {
		membership, event := s.membershipAt(roomID, userID, s.max.PDUPosition)
		if _, ok := wanted[membership]; !ok {
			continue
		}
		result = append(result, types.RoomMembership{
			RoomID:     roomID,
			Membership: membership,
			Event:      event,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoomID < result[j].RoomID })
	return result, nil
}

func (s *Snapshot) eventsInRange(roomID string, from *types.StreamPosition, to types.StreamPosition, limit int) []*types.StreamEvent {
	if to > s.max.PDUPosition {
		to = s.max.PDUPosition
	}
	var events []*types.StreamEvent
	for _, ev := range s.db.roomEvents[roomID] {
		if from != nil && ev.StreamPosition <= *from {
			continue
		}
		if ev.StreamPosition > to {
			break
		}
		events = append(events, ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func (s *Snapshot) GetRoomEventsStreamForRooms(ctx context.Context, roomIDs []string, from, to types.StreamPosition, limit int) (map[string]types.RecentEvents, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	result := make(map[string]types.RecentEvents)
	for _, roomID := range roomIDs {
		events := s.eventsInRange(roomID, &from, to, limit)
		if len(events) == 0 {
			continue
		}
		result[roomID] = types.RecentEvents{
			Events:        events,
			StartPosition: events[0].Before,
		}
	}
	return result, nil
}

func (s *Snapshot) GetRoomEventsStreamForRoom(ctx context.Context, roomID string, from *types.StreamPosition, to types.StreamPosition, limit int) ([]*types.StreamEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.eventsInRange(roomID, from, to, limit), nil
}

func (s *Snapshot) GetRecentEventsForRoom(ctx context.Context, roomID string, to types.StreamPosition, limit int) ([]*types.StreamEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.eventsInRange(roomID, nil, to, limit), nil
}

func (s *Snapshot) GetStateForEvent(ctx context.Context, eventID string) (types.StateMap, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ev, ok := s.db.events[eventID]
	if !ok || ev.StreamPosition > s.max.PDUPosition {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	state := make(types.StateMap)
	for _, other := range s.db.roomEvents[ev.RoomID] {
		if other.StreamPosition >= ev.StreamPosition {
			break
		}
		if other.IsState() {
			state[types.StateKeyTuple{EventType: other.Type, StateKey: *other.StateKey}] = other
		}
	}
	return state, nil
}

func (s *Snapshot) GetLastEventIDTsForRoom(ctx context.Context, roomID string, at types.StreamPosition) (string, spec.Timestamp, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	events := s.eventsInRange(roomID, nil, at, 1)
	if len(events) == 0 {
		return "", 0, nil
	}
	return events[0].EventID, events[0].OriginServerTS, nil
}

func (s *Snapshot) GetEvents(ctx context.Context, eventIDs []string) ([]*types.StreamEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var events []*types.StreamEvent
	for _, id := range eventIDs {
		if ev, ok := s.db.events[id]; ok && ev.StreamPosition <= s.max.PDUPosition {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *Snapshot) GetEvent(ctx context.Context, eventID string) (*types.StreamEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if ev, ok := s.db.events[eventID]; ok && ev.StreamPosition <= s.max.PDUPosition {
		return ev, nil
	}
	return nil, nil
}

func (s *Snapshot) GetStreamPositionForEvent(ctx context.Context, eventID string) (types.StreamPosition, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ev, ok := s.db.events[eventID]
	if !ok || ev.StreamPosition > s.max.PDUPosition {
		return 0, fmt.Errorf("event %s not found", eventID)
	}
	return ev.StreamPosition, nil
}

func (s *Snapshot) GetUsersInRoom(ctx context.Context, roomID string) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	joined := make(map[string]string)
	for _, ev := range s.db.roomEvents[roomID] {
		if ev.StreamPosition > s.max.PDUPosition {
			break
		}
		if ev.Type == spec.MRoomMember && ev.StateKey != nil {
			joined[*ev.StateKey] = ev.Membership()
		}
	}
	var users []string
	for userID, membership := range joined {
		if membership == spec.Join {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Snapshot) AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error) {
	s.db.mu.RLock()
	roomIDs := make([]string, 0, len(s.db.roomEvents))
	for roomID := range s.db.roomEvents {
		roomIDs = append(roomIDs, roomID)
	}
	s.db.mu.RUnlock()

	result := make(map[string][]string, len(roomIDs))
	for _, roomID := range roomIDs {
		users, err := s.GetUsersInRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if len(users) > 0 {
			result[roomID] = users
		}
	}
	return result, nil
}

// accountDataBound returns the snapshot bound for an entry: push rules ride
// their own stream.
func (s *Snapshot) accountDataBound(dataType string) types.StreamPosition {
	if dataType == "m.push_rules" {
		return s.max.PushRulesPosition
	}
	return s.max.AccountDataPosition
}

func (s *Snapshot) collectAccountData(userID string, since *types.StreamPosition) (map[string]spec.RawJSON, map[string]map[string]spec.RawJSON) {
	global := make(map[string]spec.RawJSON)
	rooms := make(map[string]map[string]spec.RawJSON)
	data, ok := s.db.accountData[userID]
	if !ok {
		return global, rooms
	}
	admit := func(dataType string, entry accountDataEntry) bool {
		// Push rules are injected by the account data assembler, never
		// returned raw.
		if dataType == "m.push_rules" {
			return false
		}
		if entry.pos > s.accountDataBound(dataType) {
			return false
		}
		return since == nil || entry.pos > *since
	}
	for dataType, entry := range data.global {
		if admit(dataType, entry) {
			global[dataType] = entry.content
		}
	}
	for roomID, byType := range data.rooms {
		for dataType, entry := range byType {
			if admit(dataType, entry) {
				if rooms[roomID] == nil {
					rooms[roomID] = make(map[string]spec.RawJSON)
				}
				rooms[roomID][dataType] = entry.content
			}
		}
	}
	return global, rooms
}

func (s *Snapshot) GetAccountDataForUser(ctx context.Context, userID string) (map[string]spec.RawJSON, map[string]map[string]spec.RawJSON, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	global, rooms := s.collectAccountData(userID, nil)
	return global, rooms, nil
}

func (s *Snapshot) GetUpdatedAccountDataForUser(ctx context.Context, userID string, since types.StreamPosition) (map[string]spec.RawJSON, map[string]map[string]spec.RawJSON, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	global, rooms := s.collectAccountData(userID, &since)
	return global, rooms, nil
}

func (s *Snapshot) GetGlobalAccountDataByType(ctx context.Context, userID, dataType string) (spec.RawJSON, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	data, ok := s.db.accountData[userID]
	if !ok {
		return nil, nil
	}
	entry, ok := data.global[dataType]
	if !ok || entry.pos > s.accountDataBound(dataType) {
		return nil, nil
	}
	return entry.content, nil
}

func (s *Snapshot) GetPushRulesForUser(ctx context.Context, userID string) (spec.RawJSON, error) {
	return s.GetGlobalAccountDataByType(ctx, userID, "m.push_rules")
}

func (s *Snapshot) HavePushRulesChangedForUser(ctx context.Context, userID string, since types.StreamPosition) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	data, ok := s.db.accountData[userID]
	if !ok {
		return false, nil
	}
	entry, ok := data.global["m.push_rules"]
	if !ok {
		return false, nil
	}
	return entry.pos > since && entry.pos <= s.max.PushRulesPosition, nil
}

func (s *Snapshot) GetTagsForUser(ctx context.Context, userID string) (map[string]spec.RawJSON, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	tags := make(map[string]spec.RawJSON)
	data, ok := s.db.accountData[userID]
	if !ok {
		return tags, nil
	}
	for roomID, byType := range data.rooms {
		entry, ok := byType["m.tag"]
		if !ok || entry.pos > s.max.AccountDataPosition {
			continue
		}
		if len(gjson.GetBytes(entry.content, "tags").Map()) > 0 {
			tags[roomID] = entry.content
		}
	}
	return tags, nil
}

func (s *Snapshot) GetRoomTagsChanged(ctx context.Context, userID string, since types.StreamPosition) (map[string]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	changes := make(map[string]string)
	data, ok := s.db.accountData[userID]
	if !ok {
		return changes, nil
	}
	for roomID, log := range data.tagLog {
		hadBefore, hasNow, moved := false, false, false
		for _, entry := range log {
			if entry.pos > s.max.AccountDataPosition {
				break
			}
			if entry.pos <= since {
				hadBefore = entry.hasTags
			} else {
				moved = true
			}
			hasNow = entry.hasTags
		}
		if !moved {
			continue
		}
		switch {
		case !hadBefore && hasNow:
			changes[roomID] = types.RoomTagChangeNewlyTagged
		case hadBefore && !hasNow:
			changes[roomID] = types.RoomTagChangeAllRemoved
		default:
			changes[roomID] = types.RoomTagChangeUpdated
		}
	}
	return changes, nil
}

func (s *Snapshot) GetLastReceiptEventIDForUser(ctx context.Context, userID, roomID, receiptType string) (string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for i := len(s.db.receipts) - 1; i >= 0; i-- {
		entry := s.db.receipts[i]
		if entry.pos > s.max.ReceiptPosition {
			continue
		}
		r := entry.receipt
		if r.UserID == userID && r.RoomID == roomID && r.Type == receiptType {
			return r.EventID, nil
		}
	}
	return "", nil
}

// GetUnreadEventPushActionsByRoomForUser approximates the push action store:
// message events from other senders notify, and mentions of the user's
// localpart highlight.
func (s *Snapshot) GetUnreadEventPushActionsByRoomForUser(ctx context.Context, roomID, userID, lastReadEventID string) (*types.UnreadNotifications, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var after types.StreamPosition
	if lastRead, ok := s.db.events[lastReadEventID]; ok {
		after = lastRead.StreamPosition
	}
	counts := &types.UnreadNotifications{}
	mention := localpart(userID)
	for _, ev := range s.db.roomEvents[roomID] {
		if ev.StreamPosition <= after {
			continue
		}
		if ev.StreamPosition > s.max.PDUPosition {
			break
		}
		if ev.IsState() || ev.Sender == userID {
			continue
		}
		counts.NotificationCount++
		if body := gjson.GetBytes(ev.Content, "body").Str; body != "" && strings.Contains(body, mention) {
			counts.HighlightCount++
		}
	}
	return counts, nil
}

func (s *Snapshot) RoomReceiptsAfter(ctx context.Context, roomIDs []string, after types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	wanted := make(map[string]struct{}, len(roomIDs))
	for _, roomID := range roomIDs {
		wanted[roomID] = struct{}{}
	}
	var receipts []types.OutputReceiptEvent
	latest := after
	for _, entry := range s.db.receipts {
		if entry.pos <= after || entry.pos > s.max.ReceiptPosition {
			continue
		}
		if entry.pos > latest {
			latest = entry.pos
		}
		if _, ok := wanted[entry.receipt.RoomID]; ok {
			receipts = append(receipts, entry.receipt)
		}
	}
	return latest, receipts, nil
}
