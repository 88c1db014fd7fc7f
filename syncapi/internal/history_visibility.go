// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/types"
)

var calculateHistoryVisibilityDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "syncd",
		Subsystem: "syncapi",
		Name:      "calculate_history_visibility_duration_millis",
		Help:      "How long it takes to calculate the history visibility",
		Buckets: []float64{ // milliseconds
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
)

func init() {
	_ = prometheus.Register(calculateHistoryVisibilityDuration)
}

// HistoryVisibilityFilter removes events the user is not allowed to see,
// based on the room's m.room.history_visibility and the user's membership at
// the time of each event.
type HistoryVisibilityFilter struct{}

// FilterEventsForClient returns the subset of events visible to the user, in
// the original order. A user's own events are always visible.
func (f *HistoryVisibilityFilter) FilterEventsForClient(
	ctx context.Context, snapshot storage.DatabaseTransaction,
	userID string, events []*types.StreamEvent,
) ([]*types.StreamEvent, error) {
	start := time.Now()
	filtered := make([]*types.StreamEvent, 0, len(events))
	for _, ev := range events {
		if ev.Sender == userID {
			filtered = append(filtered, ev)
			continue
		}
		visible, err := f.eventVisible(ctx, snapshot, userID, ev)
		if err != nil {
			return nil, err
		}
		if visible {
			filtered = append(filtered, ev)
		}
	}
	calculateHistoryVisibilityDuration.Observe(float64(time.Since(start).Milliseconds()))
	return filtered, nil
}

func (f *HistoryVisibilityFilter) eventVisible(
	ctx context.Context, snapshot storage.DatabaseTransaction,
	userID string, ev *types.StreamEvent,
) (bool, error) {
	state, err := snapshot.GetStateForEvent(ctx, ev.EventID)
	if err != nil {
		return false, err
	}

	visibility := "shared"
	if hisVis, ok := state[types.StateKeyTuple{EventType: "m.room.history_visibility", StateKey: ""}]; ok {
		if v := gjson.GetBytes(hisVis.Content, "history_visibility").Str; v != "" {
			visibility = v
		}
	}
	if visibility == "world_readable" || visibility == "shared" {
		// Shared history is visible to anyone who is or becomes a member,
		// which every sync caller for this room is.
		return true, nil
	}

	membership := ""
	if member, ok := state[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: userID}]; ok {
		membership = member.Membership()
	}
	// The member event that lets the user in is itself visible.
	if ev.Type == spec.MRoomMember && ev.StateKey != nil && *ev.StateKey == userID {
		return true, nil
	}
	switch visibility {
	case "invited":
		return membership == spec.Join || membership == spec.Invite, nil
	default: // "joined"
		return membership == spec.Join, nil
	}
}
