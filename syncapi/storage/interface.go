// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/meridian-im/syncd/syncapi/types"
)

// Database is the read side of the sync datastore. Each sync computation
// takes one snapshot and works against it so every read observes the same
// stream positions.
type Database interface {
	NewDatabaseSnapshot(ctx context.Context) (DatabaseTransaction, error)
}

// DatabaseTransaction is a read snapshot. Commit when the computation
// succeeded, Rollback otherwise; reads never write, so Rollback is the
// deferred default.
type DatabaseTransaction interface {
	Commit() error
	Rollback() error

	// GetRoomsForUser returns the rooms the user is currently joined to.
	GetRoomsForUser(ctx context.Context, userID string) ([]string, error)
	// GetMembershipChangesForUser returns the user's own membership events
	// in (from, to], in stream order.
	GetMembershipChangesForUser(ctx context.Context, userID string, from, to types.StreamPosition) ([]*types.StreamEvent, error)
	// GetRoomsForUserWhereMembershipIs returns every room where the user's
	// current membership is one of the given values, with the membership
	// event that set it.
	GetRoomsForUserWhereMembershipIs(ctx context.Context, userID string, memberships []string) ([]types.RoomMembership, error)

	// GetRoomEventsStreamForRooms returns, per room, the most recent events
	// in (from, to] up to limit, in stream order. Rooms with no events in
	// range are absent from the map.
	GetRoomEventsStreamForRooms(ctx context.Context, roomIDs []string, from, to types.StreamPosition, limit int) (map[string]types.RecentEvents, error)
	// GetRoomEventsStreamForRoom returns the most recent events for one room
	// in (from, to] up to limit, in stream order. A nil from means no lower
	// bound.
	GetRoomEventsStreamForRoom(ctx context.Context, roomID string, from *types.StreamPosition, to types.StreamPosition, limit int) ([]*types.StreamEvent, error)
	// GetRecentEventsForRoom returns the most recent events at or below the
	// given position, in stream order.
	GetRecentEventsForRoom(ctx context.Context, roomID string, to types.StreamPosition, limit int) ([]*types.StreamEvent, error)

	// GetStateForEvent returns the resolved room state immediately before
	// the given event.
	GetStateForEvent(ctx context.Context, eventID string) (types.StateMap, error)
	// GetLastEventIDTsForRoom returns the ID and origin timestamp of the
	// room's newest event at or below the given position. Empty ID when the
	// room has no events there.
	GetLastEventIDTsForRoom(ctx context.Context, roomID string, at types.StreamPosition) (string, spec.Timestamp, error)
	GetEvents(ctx context.Context, eventIDs []string) ([]*types.StreamEvent, error)
	GetEvent(ctx context.Context, eventID string) (*types.StreamEvent, error)
	GetStreamPositionForEvent(ctx context.Context, eventID string) (types.StreamPosition, error)
	GetUsersInRoom(ctx context.Context, roomID string) ([]string, error)
	// AllJoinedUsersInRooms returns the current joined users per room, used
	// to seed the notifier at startup.
	AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error)

	// GetAccountDataForUser returns all global account data keyed by type
	// and all per-room account data keyed by room then type.
	GetAccountDataForUser(ctx context.Context, userID string) (map[string]spec.RawJSON, map[string]map[string]spec.RawJSON, error)
	// GetUpdatedAccountDataForUser is the incremental form, restricted to
	// entries set after the given position.
	GetUpdatedAccountDataForUser(ctx context.Context, userID string, since types.StreamPosition) (map[string]spec.RawJSON, map[string]map[string]spec.RawJSON, error)
	GetGlobalAccountDataByType(ctx context.Context, userID, dataType string) (spec.RawJSON, error)
	GetPushRulesForUser(ctx context.Context, userID string) (spec.RawJSON, error)
	HavePushRulesChangedForUser(ctx context.Context, userID string, since types.StreamPosition) (bool, error)

	// GetTagsForUser returns the current m.tag content per room.
	GetTagsForUser(ctx context.Context, userID string) (map[string]spec.RawJSON, error)
	// GetRoomTagsChanged classifies tag movement per room since the given
	// position: newly_tagged, all_removed or updated. Unchanged rooms are
	// absent.
	GetRoomTagsChanged(ctx context.Context, userID string, since types.StreamPosition) (map[string]string, error)

	// GetLastReceiptEventIDForUser returns the event the user last
	// acknowledged in the room with the given receipt type, or "".
	GetLastReceiptEventIDForUser(ctx context.Context, userID, roomID, receiptType string) (string, error)
	// GetUnreadEventPushActionsByRoomForUser counts notifying and
	// highlighting events after the last read event.
	GetUnreadEventPushActionsByRoomForUser(ctx context.Context, roomID, userID, lastReadEventID string) (*types.UnreadNotifications, error)
	// RoomReceiptsAfter returns receipts in the given rooms after the given
	// position, plus the highest receipt position seen.
	RoomReceiptsAfter(ctx context.Context, roomIDs []string, after types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error)
}

// SyncServerDatastore adds the write side fed by the intake consumers.
type SyncServerDatastore interface {
	Database

	// MaxPositions returns the current tip of every stream the store owns,
	// used to seed the stream providers at startup.
	MaxPositions() types.StreamingToken

	StoreRoomEvent(ctx context.Context, ev *types.StreamEvent) (types.StreamPosition, error)
	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, ts spec.Timestamp) (types.StreamPosition, error)
	// UpsertAccountData stores one account data entry and returns its new
	// position on the account data stream, or the push rules stream for
	// entries of type m.push_rules.
	UpsertAccountData(ctx context.Context, userID, roomID, dataType string, content spec.RawJSON) (types.StreamPosition, error)
	UpdatePresence(ctx context.Context, userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp) (types.StreamPosition, error)
}
