// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/meridian-im/syncd/syncapi/types"
)

func stateEvent(eventID, eventType, stateKey string) *types.StreamEvent {
	sk := stateKey
	return &types.StreamEvent{
		EventID:  eventID,
		Type:     eventType,
		StateKey: &sk,
	}
}

func stateMapOf(events ...*types.StreamEvent) types.StateMap {
	return types.NewStateMap(events)
}

func deltaEventIDs(delta types.StateMap) []string {
	ids := make([]string, 0, len(delta))
	for _, ev := range delta {
		ids = append(ids, ev.EventID)
	}
	sort.Strings(ids)
	return ids
}

func TestStateDeltaSetAlgebra(t *testing.T) {
	// Events to send are ((current ∪ timelineStart) \ previous) \ timelineContains.
	name := stateEvent("$name", "m.room.name", "")
	topicOld := stateEvent("$topic-old", "m.room.topic", "")
	topicNew := stateEvent("$topic-new", "m.room.topic", "")
	memberAlice := stateEvent("$alice", "m.room.member", "@alice:test")
	memberBob := stateEvent("$bob", "m.room.member", "@bob:test")

	delta := calculateStateDelta(
		stateMapOf(memberBob),                              // delivered in the timeline already
		stateMapOf(name, topicOld),                         // timeline start
		stateMapOf(name),                                   // the client had this at the cursor
		stateMapOf(name, topicNew, memberAlice, memberBob), // tip
	)

	// Both topic events survive the set algebra, but they share a
	// (type, state_key) slot and the timeline-start one takes it.
	want := []string{"$alice", "$topic-old"}
	if diff := cmp.Diff(want, deltaEventIDs(delta)); diff != "" {
		t.Fatalf("unexpected delta (-want +got):\n%s", diff)
	}
}

func TestStateDeltaTimelineStartWinsTupleConflict(t *testing.T) {
	// Two surviving events with the same (type, state_key): the
	// timeline-start event is the one the client must apply first, so it
	// takes the slot.
	topicStart := stateEvent("$topic-start", "m.room.topic", "")
	topicTip := stateEvent("$topic-tip", "m.room.topic", "")

	delta := calculateStateDelta(
		nil,
		stateMapOf(topicStart),
		nil,
		stateMapOf(topicTip),
	)

	got := delta[types.StateKeyTuple{EventType: "m.room.topic", StateKey: ""}]
	if got == nil || got.EventID != "$topic-start" {
		t.Fatalf("expected timeline-start event to win, got %+v", got)
	}
}

func TestStateDeltaFullState(t *testing.T) {
	// Full state: previous is empty, timeline start equals current. The
	// whole tip state is sent, minus what the timeline already carries.
	name := stateEvent("$name", "m.room.name", "")
	member := stateEvent("$alice", "m.room.member", "@alice:test")
	tip := stateMapOf(name, member)

	delta := calculateStateDelta(stateMapOf(member), tip, nil, tip)

	want := []string{"$name"}
	if diff := cmp.Diff(want, deltaEventIDs(delta)); diff != "" {
		t.Fatalf("unexpected delta (-want +got):\n%s", diff)
	}
}

func TestStateDeltaNothingNew(t *testing.T) {
	name := stateEvent("$name", "m.room.name", "")
	if delta := calculateStateDelta(nil, stateMapOf(name), stateMapOf(name), stateMapOf(name)); len(delta) != 0 {
		t.Fatalf("expected empty delta, got %v", deltaEventIDs(delta))
	}
}
