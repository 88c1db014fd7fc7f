// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-im/syncd/setup/config"
	syncinternal "github.com/meridian-im/syncd/syncapi/internal"
	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// newTimelineBuilder makes a result builder over a fresh snapshot of the
// server's store, enough to drive loadTimeline directly.
func newTimelineBuilder(t *testing.T, s *testServer, filter synctypes.Filter) *resultBuilder {
	t.Helper()
	snapshot, err := s.db.NewDatabaseSnapshot(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapshot.Rollback() })
	return &resultBuilder{
		rp: &RequestPool{
			cfg:        &config.SyncAPI{DefaultTimelineLimit: 20},
			visibility: &syncinternal.HistoryVisibilityFilter{},
		},
		req: &syncRequest{
			device: types.Device{UserID: alice, ID: "device1"},
			filter: filter,
		},
		snapshot: snapshot,
		res:      types.NewResponse(),
		now:      s.db.MaxPositions(),
	}
}

func timelineFilter(limit int, notTypes ...string) synctypes.Filter {
	filter := synctypes.DefaultFilter()
	filter.Room.Timeline.Limit = limit
	if len(notTypes) > 0 {
		filter.Room.Timeline.NotTypes = &notTypes
	}
	return filter
}

func TestLoadTimelineTrimsToLimit(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	var stored []*types.StreamEvent
	for i := 0; i < 30; i++ {
		stored = append(stored, s.message("!a:test", alice, fmt.Sprintf("m%d", i)))
	}

	b := newTimelineBuilder(t, s, timelineFilter(5))
	plan := &roomPlan{roomID: "!a:test", joined: true, fullState: true, upto: b.now}

	events, limited, prevBatch, err := b.loadTimeline(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, limited)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, stored[25+i].EventID, ev.EventID)
	}
	// prev_batch points strictly below the first retained event, so paging
	// backwards picks up exactly where the batch stops.
	assert.Equal(t, events[0].Before, prevBatch.PDUPosition)
}

func TestLoadTimelineWholeRoomFits(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.message("!a:test", alice, "one")
	s.message("!a:test", alice, "two")

	b := newTimelineBuilder(t, s, timelineFilter(5))
	plan := &roomPlan{roomID: "!a:test", joined: true, fullState: true, upto: b.now}

	events, limited, prevBatch, err := b.loadTimeline(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, limited, "hitting the bottom of the room clears the limited flag")
	assert.Len(t, events, 3)
	assert.Equal(t, b.now.PDUPosition, prevBatch.PDUPosition)
}

func TestLoadTimelineRefetchesWhenFilterDiscards(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	var wanted []string
	for i := 0; i < 12; i++ {
		wanted = append(wanted, s.message("!a:test", alice, fmt.Sprintf("keep %d", i)).EventID)
		s.eventSeq++
		s.store(&types.StreamEvent{
			EventID:        fmt.Sprintf("$ev%d", s.eventSeq),
			RoomID:         "!a:test",
			Type:           "com.example.noise",
			Sender:         alice,
			Content:        spec.RawJSON(`{}`),
			OriginServerTS: s.tick(),
		})
	}

	b := newTimelineBuilder(t, s, timelineFilter(8, "com.example.noise"))
	plan := &roomPlan{roomID: "!a:test", joined: true, fullState: true, upto: b.now}

	events, _, _, err := b.loadTimeline(context.Background(), plan)
	require.NoError(t, err)

	// The filter halves every fetched page; back-fill keeps going until the
	// cap is met with events that survive it.
	require.Len(t, events, 8)
	for i, ev := range events {
		assert.Equal(t, wanted[4+i], ev.EventID)
		assert.NotEqual(t, "com.example.noise", ev.Type)
	}
}

func TestLoadTimelineNewlyJoinedBackfillsPastCursor(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	for i := 0; i < 5; i++ {
		s.message("!a:test", alice, fmt.Sprintf("history %d", i))
	}
	cursor := s.db.MaxPositions()
	last := s.message("!a:test", alice, "after cursor")

	b := newTimelineBuilder(t, s, timelineFilter(20))
	since := cursor
	plan := &roomPlan{
		roomID:      "!a:test",
		joined:      true,
		newlyJoined: true,
		haveRecents: true,
		recents:     []*types.StreamEvent{last},
		since:       &since,
		upto:        types.StreamingToken{PDUPosition: last.Before},
	}

	events, limited, _, err := b.loadTimeline(context.Background(), plan)
	require.NoError(t, err)

	// A newly joined room ignores the cursor as a lower bound: pre-cursor
	// history is back-filled even though a since token exists.
	assert.Len(t, events, 7)
	assert.True(t, limited, "newly joined rooms are always flagged limited")
}
