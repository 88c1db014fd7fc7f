// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/syncapi/types"
)

// TypingStreamProvider reads its positions straight out of the typing
// cache, which owns the typing stream. Advance is still used by the typing
// consumer so the position survives the cache being repopulated.
type TypingStreamProvider struct {
	DefaultStreamProvider
	EDUCache *caching.EDUCache
}

func (p *TypingStreamProvider) LatestPosition(ctx context.Context) types.StreamPosition {
	if latest := types.StreamPosition(p.EDUCache.GetLatestSyncPosition()); latest > p.DefaultStreamProvider.LatestPosition(ctx) {
		return latest
	}
	return p.DefaultStreamProvider.LatestPosition(ctx)
}
