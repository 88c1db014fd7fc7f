// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/process"
	syncinternal "github.com/meridian-im/syncd/syncapi/internal"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/storage/memory"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/types"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
)

// testServer wires a request pool against the in-memory datastore, playing
// the roles of the intake consumers by hand.
type testServer struct {
	t        *testing.T
	db       *memory.Database
	streams  *streams.Streams
	notifier *notifier.Notifier
	eduCache *caching.EDUCache
	rp       *RequestPool

	eventSeq int
	ts       spec.Timestamp
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := memory.NewDatabase()
	eduCache := caching.NewTypingCache()
	strs := streams.NewSyncStreamProviders(db.MaxPositions(), eduCache)
	n := notifier.NewNotifier()
	n.SetCurrentPosition(strs.Latest(context.Background()))
	require.NoError(t, n.Load(context.Background(), db))

	cfg := &config.SyncAPI{
		DefaultTimelineLimit: 20,
		ResponseCacheTTL:     time.Minute,
		MaterializerFanOut:   10,
	}
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	rp := NewRequestPool(
		process.NewProcessContext(), db, cfg, strs, n,
		db, &syncinternal.HistoryVisibilityFilter{}, &syncinternal.PushRulesFormatter{},
		caches, eduCache,
	)
	return &testServer{
		t:        t,
		db:       db,
		streams:  strs,
		notifier: n,
		eduCache: eduCache,
		rp:       rp,
		ts:       1_700_000_000_000,
	}
}

func (s *testServer) tick() spec.Timestamp {
	s.ts += 1000
	return s.ts
}

func (s *testServer) store(ev *types.StreamEvent) *types.StreamEvent {
	s.t.Helper()
	pos, err := s.db.StoreRoomEvent(context.Background(), ev)
	require.NoError(s.t, err)
	s.streams.PDUStreamProvider.Advance(pos)
	s.notifier.OnNewEvent(ev, "", nil, types.StreamingToken{PDUPosition: pos})
	return ev
}

func (s *testServer) member(roomID, sender, target, membership string) *types.StreamEvent {
	s.eventSeq++
	stateKey := target
	return s.store(&types.StreamEvent{
		EventID:        fmt.Sprintf("$ev%d", s.eventSeq),
		RoomID:         roomID,
		Type:           spec.MRoomMember,
		StateKey:       &stateKey,
		Sender:         sender,
		Content:        spec.RawJSON(fmt.Sprintf(`{"membership":%q}`, membership)),
		OriginServerTS: s.tick(),
	})
}

func (s *testServer) join(roomID, userID string) *types.StreamEvent {
	return s.member(roomID, userID, userID, spec.Join)
}

func (s *testServer) message(roomID, sender, body string) *types.StreamEvent {
	s.eventSeq++
	return s.store(&types.StreamEvent{
		EventID:        fmt.Sprintf("$ev%d", s.eventSeq),
		RoomID:         roomID,
		Type:           "m.room.message",
		Sender:         sender,
		Content:        spec.RawJSON(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
		OriginServerTS: s.tick(),
	})
}

func (s *testServer) sync(t *testing.T, userID string, params url.Values) *types.Response {
	t.Helper()
	req := httptest.NewRequest("GET", "/_matrix/client/v3/sync?"+params.Encode(), nil)
	syncReq, errRes := newSyncRequest(req, types.Device{UserID: userID, ID: "device1"}, s.rp.caches)
	require.Nil(t, errRes)
	res, err := s.rp.WaitForSync(syncReq)
	require.NoError(t, err)
	return res
}

func joinedRoomIDs(res *types.Response) []string {
	ids := make([]string, 0, len(res.Rooms.Join))
	for roomID := range res.Rooms.Join {
		ids = append(ids, roomID)
	}
	sort.Strings(ids)
	return ids
}

func TestInitialSyncTwoJoinedRooms(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	for i := 0; i < 4; i++ {
		s.message("!a:test", alice, fmt.Sprintf("short %d", i))
	}
	s.join("!b:test", alice)
	for i := 0; i < 50; i++ {
		s.message("!b:test", alice, fmt.Sprintf("long %d", i))
	}

	params := url.Values{}
	params.Set("filter", `{"room":{"timeline":{"limit":10}}}`)
	res := s.sync(t, alice, params)

	assert.Equal(t, []string{"!a:test", "!b:test"}, joinedRoomIDs(res))

	shortRoom := res.Rooms.Join["!a:test"]
	assert.False(t, shortRoom.Timeline.Limited)
	assert.Len(t, shortRoom.Timeline.Events, 5, "small room carries its whole timeline")

	longRoom := res.Rooms.Join["!b:test"]
	assert.True(t, longRoom.Timeline.Limited)
	require.Len(t, longRoom.Timeline.Events, 10)
	// The last ten messages, in stream order.
	for i, ev := range longRoom.Timeline.Events {
		assert.Equal(t, fmt.Sprintf("long %d", 40+i), gjsonBody(ev.Content))
	}
	// The trimmed room must re-deliver the membership as state, since the
	// timeline no longer contains it.
	require.Len(t, longRoom.State.Events, 1)
	assert.Equal(t, spec.MRoomMember, longRoom.State.Events[0].Type)

	// next_batch covers every event delivered.
	assert.Equal(t, types.StreamPosition(2+4+50), res.NextBatch.StreamToken.PDUPosition)
	assert.Nil(t, res.NextBatch.PaginationState)
}

func gjsonBody(content spec.RawJSON) string {
	return gjson.GetBytes(content, "body").String()
}

func TestIncrementalSyncMembershipTransitions(t *testing.T) {
	s := newTestServer(t)
	s.join("!e:test", alice)
	s.message("!e:test", alice, "hello")
	s.join("!d:test", alice)
	s.message("!d:test", alice, "pre-cursor")

	first := s.sync(t, alice, url.Values{})
	since := first.NextBatch.String()

	// Between the cursor and now: invited to C and accepted, kicked from D.
	s.join("!c:test", bob)
	s.member("!c:test", bob, alice, spec.Invite)
	s.member("!c:test", alice, alice, spec.Join)
	s.member("!d:test", bob, alice, spec.Leave)

	params := url.Values{}
	params.Set("since", since)
	res := s.sync(t, alice, params)

	// Current membership of C is join, so no invite survives.
	assert.Empty(t, res.Rooms.Invite)

	require.Contains(t, res.Rooms.Join, "!c:test")
	newRoom := res.Rooms.Join["!c:test"]
	assert.True(t, newRoom.Synced)
	assert.True(t, newRoom.Timeline.Limited, "newly joined rooms are always limited")
	assert.Len(t, newRoom.Timeline.Events, 3)

	require.Contains(t, res.Rooms.Leave, "!d:test")
	left := res.Rooms.Leave["!d:test"]
	require.NotEmpty(t, left.Timeline.Events)
	last := left.Timeline.Events[len(left.Timeline.Events)-1]
	assert.Equal(t, spec.MRoomMember, last.Type)

	// The unchanged room contributes nothing.
	assert.NotContains(t, res.Rooms.Join, "!e:test")

	// A room appears in at most one bucket.
	for roomID := range res.Rooms.Join {
		assert.NotContains(t, res.Rooms.Leave, roomID)
		assert.NotContains(t, res.Rooms.Invite, roomID)
	}
}

func TestIncrementalSyncRedelivery(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.message("!a:test", alice, "hello")

	first := s.sync(t, alice, url.Values{})

	params := url.Values{}
	params.Set("since", first.NextBatch.String())
	res := s.sync(t, alice, params)

	assert.True(t, res.IsEmpty(), "re-issuing a sync at the previous next_batch returns nothing")
	// The cursor never goes backwards.
	assert.False(t, first.NextBatch.StreamToken.IsAfter(res.NextBatch.StreamToken))
}

func TestLongPollTimesOutEmpty(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)

	first := s.sync(t, alice, url.Values{})

	params := url.Values{}
	params.Set("since", first.NextBatch.String())
	params.Set("timeout", "300")

	started := time.Now()
	res := s.sync(t, alice, params)
	elapsed := time.Since(started)

	assert.True(t, res.IsEmpty())
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "the poll should block for the timeout")
	assert.Equal(t, first.NextBatch.StreamToken.PDUPosition, res.NextBatch.StreamToken.PDUPosition)
}

func TestLongPollWakesOnNewEvent(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	first := s.sync(t, alice, url.Values{})

	params := url.Values{}
	params.Set("since", first.NextBatch.String())
	params.Set("timeout", "10000")

	results := make(chan *types.Response, 1)
	go func() {
		results <- s.sync(t, alice, params)
	}()

	time.Sleep(100 * time.Millisecond)
	s.message("!a:test", bob, "wake up")

	select {
	case res := <-results:
		require.Contains(t, res.Rooms.Join, "!a:test")
		events := res.Rooms.Join["!a:test"].Timeline.Events
		require.Len(t, events, 1)
		assert.Equal(t, "wake up", gjsonBody(events[0].Content))
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake on new event")
	}
}

func TestPeekDenied(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.message("!a:test", alice, "hello")

	params := url.Values{}
	params.Set("extras", `{"peek":{"!not-mine:test":{}}}`)
	res := s.sync(t, alice, params)

	require.Contains(t, res.Rooms.Errors, "!not-mine:test")
	assert.Equal(t, "M_CANNOT_PEEK", res.Rooms.Errors["!not-mine:test"].ErrCode)
	// The rest of the sync is unaffected.
	assert.Contains(t, res.Rooms.Join, "!a:test")
}

func TestLazyLoadingPagination(t *testing.T) {
	s := newTestServer(t)
	roomID := func(i int) string { return fmt.Sprintf("!room%02d:test", i) }
	for i := 1; i <= 25; i++ {
		s.join(roomID(i), alice)
		s.message(roomID(i), alice, fmt.Sprintf("activity %d", i))
	}

	// Page 1: the ten most recently active rooms.
	params := url.Values{}
	params.Set("pagination", `{"limit":10}`)
	page1 := s.sync(t, alice, params)

	var want []string
	for i := 16; i <= 25; i++ {
		want = append(want, roomID(i))
	}
	assert.Equal(t, want, joinedRoomIDs(page1))
	require.NotNil(t, page1.PaginationInfo)
	assert.True(t, page1.PaginationInfo.Limited)
	require.NotNil(t, page1.NextBatch.PaginationState)
	assert.Equal(t, 10, page1.NextBatch.PaginationState.Limit)

	// Page 2: the next ten, no overlap, ordered below the page-1 edge.
	params = url.Values{}
	params.Set("since", page1.NextBatch.String())
	page2 := s.sync(t, alice, params)

	want = want[:0]
	for i := 6; i <= 15; i++ {
		want = append(want, roomID(i))
	}
	assert.Equal(t, want, joinedRoomIDs(page2))
	require.NotNil(t, page2.NextBatch.PaginationState)
	for _, join := range page2.Rooms.Join {
		assert.True(t, join.Synced, "deferred rooms come back as a full resync")
		assert.NotEmpty(t, join.Timeline.Events)
	}

	// Page 3: the remaining five; paging ends.
	params = url.Values{}
	params.Set("since", page2.NextBatch.String())
	page3 := s.sync(t, alice, params)

	want = want[:0]
	for i := 1; i <= 5; i++ {
		want = append(want, roomID(i))
	}
	assert.Equal(t, want, joinedRoomIDs(page3))
	assert.Nil(t, page3.NextBatch.PaginationState, "everything fit, the paging cursor ends")

	// Across the paged sync every room surfaced exactly once.
	seen := make(map[string]int)
	for _, res := range []*types.Response{page1, page2, page3} {
		for _, id := range joinedRoomIDs(res) {
			seen[id]++
		}
	}
	require.Len(t, seen, 25)
	for id, count := range seen {
		assert.Equal(t, 1, count, "room %s surfaced %d times", id, count)
	}
}

func TestEphemeralAndUnreadCounts(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.join("!a:test", bob)
	read := s.message("!a:test", bob, "first")

	first := s.sync(t, alice, url.Values{})

	// Alice reads the first message; Bob keeps talking and starts typing.
	pos, err := s.db.StoreReceipt(context.Background(), "!a:test", "m.read", alice, read.EventID, s.tick())
	require.NoError(t, err)
	s.streams.ReceiptStreamProvider.Advance(pos)
	s.notifier.OnNewReceipt("!a:test", types.StreamingToken{ReceiptPosition: pos})

	s.message("!a:test", bob, "second")
	s.message("!a:test", bob, "third")

	typingPos := s.eduCache.AddTypingUser(bob, "!a:test", nil)
	s.streams.TypingStreamProvider.Advance(types.StreamPosition(typingPos))
	s.notifier.OnNewTyping("!a:test", types.StreamingToken{TypingPosition: types.StreamPosition(typingPos)})

	params := url.Values{}
	params.Set("since", first.NextBatch.String())
	res := s.sync(t, alice, params)

	require.Contains(t, res.Rooms.Join, "!a:test")
	room := res.Rooms.Join["!a:test"]

	typesSeen := make(map[string]bool)
	for _, ev := range room.Ephemeral.Events {
		typesSeen[ev.Type] = true
	}
	assert.True(t, typesSeen["m.typing"], "typing notification expected")
	assert.True(t, typesSeen["m.receipt"], "read receipt expected")

	require.NotNil(t, room.UnreadNotifications)
	assert.Equal(t, 2, room.UnreadNotifications.NotificationCount)

	// The receipt and typing positions advanced with the data consumed.
	assert.Greater(t, res.NextBatch.StreamToken.ReceiptPosition, first.NextBatch.StreamToken.ReceiptPosition)
	assert.Greater(t, res.NextBatch.StreamToken.TypingPosition, first.NextBatch.StreamToken.TypingPosition)
}

func TestAccountDataAndPushRules(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)

	_, err := s.db.UpsertAccountData(context.Background(), alice, "", "m.direct", spec.RawJSON(`{"@bob:test":["!a:test"]}`))
	require.NoError(t, err)

	res := s.sync(t, alice, url.Values{})
	seen := make(map[string]bool)
	for _, ev := range res.AccountData.Events {
		seen[ev.Type] = true
	}
	assert.True(t, seen["m.direct"])
	assert.True(t, seen["m.push_rules"], "initial sync always carries push rules")

	// Incremental with no changes: no account data, in particular no
	// redundant push rules.
	params := url.Values{}
	params.Set("since", res.NextBatch.String())
	incremental := s.sync(t, alice, params)
	assert.Empty(t, incremental.AccountData.Events)

	// A room tag arrives as per-room account data on the next poll.
	pos, err := s.db.UpsertAccountData(context.Background(), alice, "!a:test", "m.tag", spec.RawJSON(`{"tags":{"m.favourite":{}}}`))
	require.NoError(t, err)
	s.streams.AccountDataStreamProvider.Advance(pos)
	s.notifier.OnNewAccountData(alice, types.StreamingToken{AccountDataPosition: pos})

	params = url.Values{}
	params.Set("since", incremental.NextBatch.String())
	tagged := s.sync(t, alice, params)
	require.Contains(t, tagged.Rooms.Join, "!a:test")
	roomData := tagged.Rooms.Join["!a:test"].AccountData.Events
	require.Len(t, roomData, 1)
	assert.Equal(t, "m.tag", roomData[0].Type)
}

func TestPresenceAssembly(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.join("!a:test", bob)

	first := s.sync(t, alice, url.Values{})

	pos, err := s.db.UpdatePresence(context.Background(), bob, "online", nil, s.tick())
	require.NoError(t, err)
	s.streams.PresenceStreamProvider.Advance(pos)
	s.notifier.OnNewPresence(types.StreamingToken{PresencePosition: pos}, bob)

	params := url.Values{}
	params.Set("since", first.NextBatch.String())
	res := s.sync(t, alice, params)

	require.Len(t, res.Presence.Events, 1)
	assert.Equal(t, "m.presence", res.Presence.Events[0].Type)
	assert.Equal(t, bob, res.Presence.Events[0].Sender)
	assert.Greater(t, res.NextBatch.StreamToken.PresencePosition, first.NextBatch.StreamToken.PresencePosition)
}

func TestConcurrentIdenticalPollsCoalesce(t *testing.T) {
	s := newTestServer(t)
	s.join("!a:test", alice)
	s.message("!a:test", alice, "hello")

	results := make(chan *types.Response, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- s.sync(t, alice, url.Values{})
		}()
	}
	first := <-results
	second := <-results
	assert.Same(t, first, second, "identical polls share one computation")
}
