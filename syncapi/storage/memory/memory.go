// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

// Package memory implements the sync datastore in process memory. The sync
// engine treats the event graph store as an external collaborator; this
// implementation backs the standalone binary and the scenario tests, fed
// entirely by the intake consumers.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

type accountDataEntry struct {
	content spec.RawJSON
	pos     types.StreamPosition
}

type tagLogEntry struct {
	pos     types.StreamPosition
	hasTags bool
}

type userAccountData struct {
	global map[string]accountDataEntry
	rooms  map[string]map[string]accountDataEntry
	tagLog map[string][]tagLogEntry
}

type receiptEntry struct {
	receipt types.OutputReceiptEvent
	pos     types.StreamPosition
}

type presenceEntry struct {
	update types.OutputPresenceEvent
	pos    types.StreamPosition
}

// Database holds all streams in memory. Writers advance one position
// counter per stream; snapshots capture the counters at creation so a sync
// computation observes a stable prefix of every stream.
type Database struct {
	mu sync.RWMutex

	pduPos         types.StreamPosition
	receiptPos     types.StreamPosition
	accountDataPos types.StreamPosition
	pushRulesPos   types.StreamPosition
	presencePos    types.StreamPosition

	events      map[string]*types.StreamEvent
	roomEvents  map[string][]*types.StreamEvent
	receipts    []receiptEntry
	accountData map[string]*userAccountData
	presence    map[string]presenceEntry
}

func NewDatabase() *Database {
	return &Database{
		events:      make(map[string]*types.StreamEvent),
		roomEvents:  make(map[string][]*types.StreamEvent),
		accountData: make(map[string]*userAccountData),
		presence:    make(map[string]presenceEntry),
	}
}

// MaxPositions returns the current tip of every stream the store owns. The
// typing position lives in the EDU cache, not here.
func (d *Database) MaxPositions() types.StreamingToken {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return types.StreamingToken{
		PDUPosition:         d.pduPos,
		ReceiptPosition:     d.receiptPos,
		AccountDataPosition: d.accountDataPos,
		PushRulesPosition:   d.pushRulesPos,
		PresencePosition:    d.presencePos,
	}
}

// NewDatabaseSnapshot implements storage.Database.
func (d *Database) NewDatabaseSnapshot(ctx context.Context) (storage.DatabaseTransaction, error) {
	return &Snapshot{db: d, max: d.MaxPositions()}, nil
}

func (d *Database) userData(userID string) *userAccountData {
	if data, ok := d.accountData[userID]; ok {
		return data
	}
	data := &userAccountData{
		global: make(map[string]accountDataEntry),
		rooms:  make(map[string]map[string]accountDataEntry),
		tagLog: make(map[string][]tagLogEntry),
	}
	d.accountData[userID] = data
	return data
}

// StoreRoomEvent appends an event to its room's stream and returns its new
// position.
func (d *Database) StoreRoomEvent(ctx context.Context, ev *types.StreamEvent) (types.StreamPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pduPos++
	ev.StreamPosition = d.pduPos
	ev.Before = d.pduPos - 1
	d.events[ev.EventID] = ev
	d.roomEvents[ev.RoomID] = append(d.roomEvents[ev.RoomID], ev)
	return d.pduPos, nil
}

// StoreReceipt records a read receipt on the receipt stream.
func (d *Database) StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, ts spec.Timestamp) (types.StreamPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiptPos++
	d.receipts = append(d.receipts, receiptEntry{
		receipt: types.OutputReceiptEvent{
			UserID:    userID,
			RoomID:    roomID,
			EventID:   eventID,
			Type:      receiptType,
			Timestamp: ts,
		},
		pos: d.receiptPos,
	})
	return d.receiptPos, nil
}

// UpsertAccountData stores one account data entry. Push rules ride their own
// stream so rule changes can be detected independently of other account
// data; room tags additionally feed the tag change log.
func (d *Database) UpsertAccountData(ctx context.Context, userID, roomID, dataType string, content spec.RawJSON) (types.StreamPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.userData(userID)

	var pos types.StreamPosition
	if dataType == "m.push_rules" && roomID == "" {
		d.pushRulesPos++
		pos = d.pushRulesPos
	} else {
		d.accountDataPos++
		pos = d.accountDataPos
	}

	entry := accountDataEntry{content: content, pos: pos}
	if roomID == "" {
		data.global[dataType] = entry
	} else {
		if data.rooms[roomID] == nil {
			data.rooms[roomID] = make(map[string]accountDataEntry)
		}
		data.rooms[roomID][dataType] = entry
		if dataType == "m.tag" {
			hasTags := len(gjson.GetBytes(content, "tags").Map()) > 0
			data.tagLog[roomID] = append(data.tagLog[roomID], tagLogEntry{pos: pos, hasTags: hasTags})
		}
	}
	return pos, nil
}

// UpdatePresence records a presence update for a user.
func (d *Database) UpdatePresence(ctx context.Context, userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp) (types.StreamPosition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presencePos++
	d.presence[userID] = presenceEntry{
		update: types.OutputPresenceEvent{
			UserID:       userID,
			Presence:     presence,
			StatusMsg:    statusMsg,
			LastActiveTS: lastActiveTS,
		},
		pos: d.presencePos,
	}
	return d.presencePos, nil
}

// GetPresenceAfter returns presence events for users whose state changed
// after the given position, as m.presence client events, plus the highest
// presence position seen. Implements the presence provider consumed by the
// request pool.
func (d *Database) GetPresenceAfter(ctx context.Context, from types.StreamPosition, includeOffline bool) ([]synctypes.ClientEvent, types.StreamPosition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	latest := from
	var events []synctypes.ClientEvent
	for _, entry := range d.presence {
		if entry.pos <= from {
			continue
		}
		if entry.pos > latest {
			latest = entry.pos
		}
		if !includeOffline && entry.update.Presence == "offline" {
			continue
		}
		ev, err := presenceToClientEvent(entry.update)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	return events, latest, nil
}

// GetPresenceStates returns the current presence of the given users as
// m.presence client events. Users with no known presence are skipped.
func (d *Database) GetPresenceStates(ctx context.Context, userIDs []string) ([]synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var events []synctypes.ClientEvent
	for _, userID := range userIDs {
		entry, ok := d.presence[userID]
		if !ok {
			continue
		}
		ev, err := presenceToClientEvent(entry.update)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func presenceToClientEvent(update types.OutputPresenceEvent) (synctypes.ClientEvent, error) {
	content, err := json.Marshal(struct {
		UserID       string         `json:"user_id"`
		Presence     string         `json:"presence"`
		StatusMsg    *string        `json:"status_msg,omitempty"`
		LastActiveTS spec.Timestamp `json:"last_active_ts,omitempty"`
	}{update.UserID, update.Presence, update.StatusMsg, update.LastActiveTS})
	if err != nil {
		return synctypes.ClientEvent{}, err
	}
	return synctypes.ClientEvent{
		Type:    "m.presence",
		Sender:  update.UserID,
		Content: content,
	}, nil
}

func localpart(userID string) string {
	trimmed := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(trimmed, ':'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}
