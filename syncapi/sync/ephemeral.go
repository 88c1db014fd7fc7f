// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

const (
	receiptTypeRead        = "m.read"
	receiptTypeReadPrivate = "m.read.private"
)

type receiptTS struct {
	TS spec.Timestamp `json:"ts"`
}

// addEphemeral collects typing notifications and read receipts for the
// user's joined rooms and advances the typing and receipt positions on the
// builder's now-token to the positions actually consumed. The room_id never
// appears in the event payloads; the response section is already keyed by it.
func (b *resultBuilder) addEphemeral(ctx context.Context, joinedRoomIDs []string) (map[string][]synctypes.ClientEvent, error) {
	byRoom := make(map[string][]synctypes.ClientEvent)
	ephemeralFilter := b.req.filter.Room.Ephemeral

	for _, roomID := range joinedRoomIDs {
		var users []string
		include := false
		if b.since != nil {
			users, include = b.rp.eduCache.GetTypingUsersIfUpdatedAfter(roomID, int64(b.since.TypingPosition))
		} else {
			users = b.rp.eduCache.GetTypingUsers(roomID)
			include = len(users) > 0
		}
		if !include || !ephemeralFilter.Match(roomID, "m.typing", "") {
			continue
		}
		if users == nil {
			users = []string{}
		}
		content, err := json.Marshal(struct {
			UserIDs []string `json:"user_ids"`
		}{users})
		if err != nil {
			return nil, err
		}
		byRoom[roomID] = append(byRoom[roomID], synctypes.ClientEvent{
			Type:    "m.typing",
			Content: content,
		})
	}
	if pos := types.StreamPosition(b.rp.eduCache.GetLatestSyncPosition()); pos > b.now.TypingPosition {
		b.now.TypingPosition = pos
	}

	var from types.StreamPosition
	if b.since != nil {
		from = b.since.ReceiptPosition
	}
	latest, receipts, err := b.snapshot.RoomReceiptsAfter(ctx, joinedRoomIDs, from)
	if err != nil {
		return nil, err
	}
	if latest > b.now.ReceiptPosition {
		b.now.ReceiptPosition = latest
	}

	// event_id -> receipt type -> user -> {ts}, per room.
	aggregated := make(map[string]map[string]map[string]map[string]receiptTS)
	for _, receipt := range receipts {
		// Private read markers belong to their author alone.
		if receipt.Type == receiptTypeReadPrivate && receipt.UserID != b.req.device.UserID {
			continue
		}
		room := aggregated[receipt.RoomID]
		if room == nil {
			room = make(map[string]map[string]map[string]receiptTS)
			aggregated[receipt.RoomID] = room
		}
		byType := room[receipt.EventID]
		if byType == nil {
			byType = make(map[string]map[string]receiptTS)
			room[receipt.EventID] = byType
		}
		byUser := byType[receipt.Type]
		if byUser == nil {
			byUser = make(map[string]receiptTS)
			byType[receipt.Type] = byUser
		}
		byUser[receipt.UserID] = receiptTS{TS: receipt.Timestamp}
	}
	for roomID, content := range aggregated {
		if !ephemeralFilter.Match(roomID, "m.receipt", "") {
			continue
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		byRoom[roomID] = append(byRoom[roomID], synctypes.ClientEvent{
			Type:    "m.receipt",
			Content: raw,
		})
	}

	if limit := ephemeralFilter.Limit; limit > 0 {
		for roomID, events := range byRoom {
			if len(events) > limit {
				byRoom[roomID] = events[:limit]
			}
		}
	}
	return byRoom, nil
}
