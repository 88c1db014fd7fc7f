// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// Caches contains the non-persistent caches shared across the service.
type Caches struct {
	// RoomActivity maps "roomID@pduPosition" to the newest event in the room
	// at that position. The key embeds the position, so entries are
	// immutable: a room's activity at a given position never changes.
	RoomActivity *RistrettoCachePartition[string, RoomActivityRef]
	// SyncFilters maps inline filter JSON to its parsed form. The same
	// string always parses the same way.
	SyncFilters *RistrettoCachePartition[string, SyncFilterEntry]
}

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// RoomActivityRef is the newest-event reference used to rank rooms for lazy
// pagination.
type RoomActivityRef struct {
	EventID   string
	Timestamp spec.Timestamp
}

// SyncFilterEntry is a parsed inline filter.
type SyncFilterEntry struct {
	Filter synctypes.Filter
}

func roomActivityKey(roomID string, at types.StreamPosition) string {
	return fmt.Sprintf("%s@%d", roomID, at)
}

// GetRoomActivity returns the cached newest event for a room at a PDU
// position, if known.
func (c *Caches) GetRoomActivity(roomID string, at types.StreamPosition) (RoomActivityRef, bool) {
	return c.RoomActivity.Get(roomActivityKey(roomID, at))
}

// StoreRoomActivity records the newest event for a room at a PDU position.
func (c *Caches) StoreRoomActivity(roomID string, at types.StreamPosition, eventID string, ts spec.Timestamp) {
	c.RoomActivity.Set(roomActivityKey(roomID, at), RoomActivityRef{
		EventID:   eventID,
		Timestamp: ts,
	})
}

// GetParsedSyncFilter returns the cached parse of an inline filter string.
func (c *Caches) GetParsedSyncFilter(filterJSON string) (synctypes.Filter, bool) {
	entry, ok := c.SyncFilters.Get(filterJSON)
	return entry.Filter, ok
}

// StoreParsedSyncFilter caches the parse of an inline filter string.
func (c *Caches) StoreParsedSyncFilter(filterJSON string, filter synctypes.Filter) {
	c.SyncFilters.Set(filterJSON, SyncFilterEntry{Filter: filter})
}
