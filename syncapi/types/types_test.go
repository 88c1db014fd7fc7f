// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingTokenRoundTrip(t *testing.T) {
	tok := StreamingToken{
		PDUPosition:         11,
		TypingPosition:      22,
		ReceiptPosition:     33,
		AccountDataPosition: 44,
		PushRulesPosition:   55,
		PresencePosition:    66,
	}
	parsed, err := NewStreamTokenFromString(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
}

func TestStreamingTokenRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"x1_2_3_4_5_6",
		"s1_2_3_4_5",
		"s1_2_3_4_5_6_7",
		"s1_2_3_4_5_banana",
		"s-1_2_3_4_5_6",
	} {
		_, err := NewStreamTokenFromString(input)
		assert.ErrorIs(t, err, ErrMalformedSyncToken, "input %q", input)
	}
}

func TestStreamingTokenIsAfter(t *testing.T) {
	base := StreamingToken{PDUPosition: 5, ReceiptPosition: 3}
	assert.False(t, base.IsAfter(base))

	ahead := base
	ahead.ReceiptPosition = 4
	assert.True(t, ahead.IsAfter(base))
	assert.False(t, base.IsAfter(ahead))
}

func TestStreamingTokenApplyUpdatesIsPerStream(t *testing.T) {
	a := StreamingToken{PDUPosition: 10, TypingPosition: 1, PresencePosition: 7}
	b := StreamingToken{PDUPosition: 4, TypingPosition: 9, PresencePosition: 7}

	merged := a.ApplyUpdates(b)
	assert.Equal(t, StreamPosition(10), merged.PDUPosition)
	assert.Equal(t, StreamPosition(9), merged.TypingPosition)
	assert.Equal(t, StreamPosition(7), merged.PresencePosition)
	// The merge dominates both inputs on every sub-stream.
	assert.False(t, a.IsAfter(merged))
	assert.False(t, b.IsAfter(merged))
}

func TestSyncBatchTokenRoundTripWithoutPagination(t *testing.T) {
	tok := SyncBatchToken{StreamToken: StreamingToken{PDUPosition: 3}}
	parsed, err := NewSyncBatchTokenFromString(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
	assert.Nil(t, parsed.PaginationState)
}

func TestSyncBatchTokenRoundTripWithPagination(t *testing.T) {
	tok := SyncBatchToken{
		StreamToken: StreamingToken{PDUPosition: 3, ReceiptPosition: 9},
		PaginationState: &LazyPaginationState{
			Order: PaginationOrderByTimestamp,
			Value: 1700000000123,
			Limit: 12,
			Tags:  PaginationTagsIncludeAll,
		},
	}
	parsed, err := NewSyncBatchTokenFromString(tok.String())
	require.NoError(t, err)
	require.NotNil(t, parsed.PaginationState)
	assert.Equal(t, tok.StreamToken, parsed.StreamToken)
	assert.Equal(t, *tok.PaginationState, *parsed.PaginationState)
}

func TestSyncBatchTokenRejectsBadPagination(t *testing.T) {
	stream := StreamingToken{}.String()
	for _, suffix := range []string{
		"p",
		"po_12_x_ignore",
		"po_12_0_ignore",
		"po_12_10_nonsense",
		"pz_12_10_ignore",
	} {
		_, err := NewSyncBatchTokenFromString(stream + "~" + suffix)
		assert.ErrorIs(t, err, ErrMalformedSyncToken, "suffix %q", suffix)
	}
}

func TestLazyPaginationConfigValidate(t *testing.T) {
	cfg := LazyPaginationConfig{Limit: 10}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, PaginationOrderByTimestamp, cfg.Order)
	assert.Equal(t, PaginationTagsIgnore, cfg.Tags)

	assert.Error(t, (&LazyPaginationConfig{Order: "bogus", Limit: 10}).Validate())
	assert.Error(t, (&LazyPaginationConfig{Tags: "bogus", Limit: 10}).Validate())
	assert.Error(t, (&LazyPaginationConfig{Limit: 0}).Validate())
	assert.Error(t, (&LazyPaginationConfig{Limit: -1}).Validate())
}

func TestNewStreamEventFromJSON(t *testing.T) {
	ev, err := NewStreamEventFromJSON([]byte(`{
		"event_id": "$ev1",
		"room_id": "!a:test",
		"type": "m.room.member",
		"state_key": "@bob:test",
		"sender": "@alice:test",
		"origin_server_ts": 12345,
		"content": {"membership": "invite"},
		"unsigned": {"age": 1}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "$ev1", ev.EventID)
	assert.Equal(t, "!a:test", ev.RoomID)
	require.NotNil(t, ev.StateKey)
	assert.Equal(t, "@bob:test", *ev.StateKey)
	assert.True(t, ev.IsState())
	assert.Equal(t, "invite", ev.Membership())

	_, err = NewStreamEventFromJSON([]byte(`{"type": "m.room.message"}`))
	assert.Error(t, err)
}

func TestNewStateMapKeepsLastPerTuple(t *testing.T) {
	key := "@alice:test"
	first := &StreamEvent{EventID: "$1", Type: "m.room.member", StateKey: &key, StreamPosition: 1}
	second := &StreamEvent{EventID: "$2", Type: "m.room.member", StateKey: &key, StreamPosition: 2}
	message := &StreamEvent{EventID: "$3", Type: "m.room.message", StreamPosition: 3}

	m := NewStateMap([]*StreamEvent{first, second, message})
	require.Len(t, m, 1)
	assert.Equal(t, "$2", m[StateKeyTuple{EventType: "m.room.member", StateKey: key}].EventID)
}
