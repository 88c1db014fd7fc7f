// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-im/syncd/internal"
	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/types"
)

// resultBuilder assembles one sync response. It is task-local: one builder
// per computation, working against one storage snapshot so every read
// observes the same stream positions. The mutex only guards the response
// maps, which the materializer goroutines fill concurrently.
type resultBuilder struct {
	rp       *RequestPool
	req      *syncRequest
	snapshot storage.DatabaseTransaction
	res      *types.Response

	// now is the server's current position, advanced further by the
	// ephemeral and presence assemblers as they consume their streams.
	now types.StreamingToken
	// since is nil on an initial sync.
	since     *types.StreamingToken
	fullState bool

	mu               sync.Mutex
	newlyJoinedUsers map[string]struct{}
}

// generateSyncResult runs the whole pipeline once: current token, account
// data, rooms, presence, package.
func (rp *RequestPool) generateSyncResult(ctx context.Context, req *syncRequest) (res *types.Response, err error) {
	trace, ctx := internal.StartRegion(ctx, "generateSyncResult")
	defer trace.EndRegion()

	snapshot, err := rp.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("taking storage snapshot: %w", err)
	}
	succeeded := false
	defer func() {
		if succeeded {
			err = snapshot.Commit()
		} else {
			_ = snapshot.Rollback()
		}
	}()

	b := &resultBuilder{
		rp:               rp,
		req:              req,
		snapshot:         snapshot,
		res:              types.NewResponse(),
		now:              rp.streams.Latest(ctx),
		fullState:        req.wantFullState || req.since == nil,
		newlyJoinedUsers: make(map[string]struct{}),
	}
	if req.since != nil {
		since := req.since.StreamToken
		b.since = &since
	}

	accountDataByRoom, err := b.addAccountData(ctx)
	if err != nil {
		return nil, fmt.Errorf("assembling account data: %w", err)
	}

	newlyJoinedRooms, paginationState, err := b.addRooms(ctx, accountDataByRoom)
	if err != nil {
		return nil, fmt.Errorf("assembling rooms: %w", err)
	}

	if err = b.addPresence(ctx, newlyJoinedRooms); err != nil {
		return nil, fmt.Errorf("assembling presence: %w", err)
	}

	// The returned token must dominate the cursor on every sub-stream, even
	// if a source reported a stale position.
	b.res.NextBatch.StreamToken = b.now
	if req.since != nil {
		b.res.NextBatch.StreamToken = b.now.ApplyUpdates(req.since.StreamToken)
	}
	b.res.NextBatch.PaginationState = paginationState

	succeeded = true
	return b.res, err
}

// noteNewlyJoinedUsers records users observed joining during materialization,
// for the presence assembler.
func (b *resultBuilder) noteNewlyJoinedUsers(userIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, userID := range userIDs {
		b.newlyJoinedUsers[userID] = struct{}{}
	}
}
