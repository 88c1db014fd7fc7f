// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-im/syncd/syncapi/types"
)

var notifierEventSeq int

func memberEvent(roomID, userID, membership string, pos types.StreamPosition) *types.StreamEvent {
	notifierEventSeq++
	stateKey := userID
	return &types.StreamEvent{
		EventID:        fmt.Sprintf("$notifier%d", notifierEventSeq),
		RoomID:         roomID,
		Type:           spec.MRoomMember,
		StateKey:       &stateKey,
		Sender:         userID,
		Content:        spec.RawJSON(fmt.Sprintf(`{"membership":%q}`, membership)),
		StreamPosition: pos,
	}
}

func messageEvent(roomID, sender string, pos types.StreamPosition) *types.StreamEvent {
	notifierEventSeq++
	return &types.StreamEvent{
		EventID:        fmt.Sprintf("$notifier%d", notifierEventSeq),
		RoomID:         roomID,
		Type:           "m.room.message",
		Sender:         sender,
		Content:        spec.RawJSON(`{"body":"hi"}`),
		StreamPosition: pos,
	}
}

func waitForChannel(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("notify channel did not fire")
	}
}

func TestNotifierWakesJoinedUserOnRoomEvent(t *testing.T) {
	n := NewNotifier()
	n.SetCurrentPosition(types.StreamingToken{PDUPosition: 1})
	n.OnNewEvent(memberEvent("!a:test", "@alice:test", spec.Join, 1), "", nil,
		types.StreamingToken{PDUPosition: 1})

	listener := n.GetListener(context.Background(), types.Device{UserID: "@alice:test", ID: "dev"})
	defer listener.Close()

	ch := listener.GetNotifyChannel(n.CurrentPosition())
	select {
	case <-ch:
		t.Fatal("channel fired before any update")
	default:
	}

	n.OnNewEvent(messageEvent("!a:test", "@bob:test", 2), "", nil,
		types.StreamingToken{PDUPosition: 2})
	waitForChannel(t, ch)
	assert.Equal(t, types.StreamPosition(2), listener.GetSyncPosition().PDUPosition)
}

func TestNotifierWakesLaggingListenerImmediately(t *testing.T) {
	n := NewNotifier()
	n.SetCurrentPosition(types.StreamingToken{PDUPosition: 5})
	n.OnNewEvent(memberEvent("!a:test", "@alice:test", spec.Join, 5), "", nil,
		types.StreamingToken{PDUPosition: 5})

	listener := n.GetListener(context.Background(), types.Device{UserID: "@alice:test", ID: "dev"})
	defer listener.Close()
	n.OnNewEvent(messageEvent("!a:test", "@alice:test", 6), "", nil,
		types.StreamingToken{PDUPosition: 6})

	// The listener asks with a cursor behind the stream; the channel must be
	// immediately ready or the poll would sleep through the update.
	waitForChannel(t, listener.GetNotifyChannel(types.StreamingToken{PDUPosition: 5}))
}

func TestNotifierWakesInviteTarget(t *testing.T) {
	n := NewNotifier()
	n.SetCurrentPosition(types.StreamingToken{PDUPosition: 1})

	listener := n.GetListener(context.Background(), types.Device{UserID: "@charlie:test", ID: "dev"})
	defer listener.Close()
	ch := listener.GetNotifyChannel(n.CurrentPosition())

	// Charlie is not joined to the room, but the invite names them.
	invite := memberEvent("!a:test", "@charlie:test", spec.Invite, 2)
	invite.Sender = "@alice:test"
	n.OnNewEvent(invite, "", nil, types.StreamingToken{PDUPosition: 2})
	waitForChannel(t, ch)
}

func TestNotifierLeaveStopsWakes(t *testing.T) {
	n := NewNotifier()
	n.SetCurrentPosition(types.StreamingToken{PDUPosition: 1})
	n.OnNewEvent(memberEvent("!a:test", "@alice:test", spec.Join, 1), "", nil,
		types.StreamingToken{PDUPosition: 1})
	n.OnNewEvent(memberEvent("!a:test", "@alice:test", spec.Leave, 2), "", nil,
		types.StreamingToken{PDUPosition: 2})

	listener := n.GetListener(context.Background(), types.Device{UserID: "@alice:test", ID: "dev"})
	defer listener.Close()
	ch := listener.GetNotifyChannel(n.CurrentPosition())

	n.OnNewEvent(messageEvent("!a:test", "@bob:test", 3), "", nil,
		types.StreamingToken{PDUPosition: 3})
	select {
	case <-ch:
		t.Fatal("a user who left the room must not be woken by its events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierSharedUsers(t *testing.T) {
	n := NewNotifier()
	n.SetCurrentPosition(types.StreamingToken{})
	n.OnNewEvent(memberEvent("!a:test", "@alice:test", spec.Join, 1), "", nil,
		types.StreamingToken{PDUPosition: 1})
	n.OnNewEvent(memberEvent("!a:test", "@bob:test", spec.Join, 2), "", nil,
		types.StreamingToken{PDUPosition: 2})
	n.OnNewEvent(memberEvent("!b:test", "@charlie:test", spec.Join, 3), "", nil,
		types.StreamingToken{PDUPosition: 3})

	shared := n.SharedUsers("@alice:test")
	require.ElementsMatch(t, []string{"@alice:test", "@bob:test"}, shared)
	assert.True(t, n.IsSharedUser("@alice:test", "@bob:test"))
	assert.False(t, n.IsSharedUser("@alice:test", "@charlie:test"))
}
