// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"
	"sync"

	"github.com/meridian-im/syncd/syncapi/types"
)

// DefaultStreamProvider tracks the latest position of a stream whose
// positions are advanced by a consumer after writing to storage.
type DefaultStreamProvider struct {
	latest      types.StreamPosition
	latestMutex sync.RWMutex
}

func (p *DefaultStreamProvider) Advance(latest types.StreamPosition) {
	p.latestMutex.Lock()
	defer p.latestMutex.Unlock()

	if latest > p.latest {
		p.latest = latest
	}
}

func (p *DefaultStreamProvider) LatestPosition(ctx context.Context) types.StreamPosition {
	p.latestMutex.RLock()
	defer p.latestMutex.RUnlock()

	return p.latest
}
