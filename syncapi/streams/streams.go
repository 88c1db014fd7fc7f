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

// StreamProvider tracks the latest position of one sub-stream of the
// streaming token.
type StreamProvider interface {
	// Advance moves the latest position forward. Calls with older
	// positions are ignored.
	Advance(latest types.StreamPosition)

	// LatestPosition returns the latest stream position for this stream.
	LatestPosition(ctx context.Context) types.StreamPosition
}

// Streams bundles the position providers for every sub-stream that makes
// up a streaming token.
type Streams struct {
	PDUStreamProvider         StreamProvider
	TypingStreamProvider      StreamProvider
	ReceiptStreamProvider     StreamProvider
	AccountDataStreamProvider StreamProvider
	PushRulesStreamProvider   StreamProvider
	PresenceStreamProvider    StreamProvider
}

// NewSyncStreamProviders creates the stream providers, seeded with the
// latest positions found in storage at startup.
func NewSyncStreamProviders(initial types.StreamingToken, eduCache *caching.EDUCache) *Streams {
	streams := &Streams{
		PDUStreamProvider:         &DefaultStreamProvider{},
		TypingStreamProvider:      &TypingStreamProvider{EDUCache: eduCache},
		ReceiptStreamProvider:     &DefaultStreamProvider{},
		AccountDataStreamProvider: &DefaultStreamProvider{},
		PushRulesStreamProvider:   &DefaultStreamProvider{},
		PresenceStreamProvider:    &DefaultStreamProvider{},
	}

	streams.PDUStreamProvider.Advance(initial.PDUPosition)
	streams.TypingStreamProvider.Advance(initial.TypingPosition)
	streams.ReceiptStreamProvider.Advance(initial.ReceiptPosition)
	streams.AccountDataStreamProvider.Advance(initial.AccountDataPosition)
	streams.PushRulesStreamProvider.Advance(initial.PushRulesPosition)
	streams.PresenceStreamProvider.Advance(initial.PresencePosition)

	return streams
}

// Latest returns a streaming token describing the current top of every
// stream.
func (s *Streams) Latest(ctx context.Context) types.StreamingToken {
	return types.StreamingToken{
		PDUPosition:         s.PDUStreamProvider.LatestPosition(ctx),
		TypingPosition:      s.TypingStreamProvider.LatestPosition(ctx),
		ReceiptPosition:     s.ReceiptStreamProvider.LatestPosition(ctx),
		AccountDataPosition: s.AccountDataStreamProvider.LatestPosition(ctx),
		PushRulesPosition:   s.PushRulesStreamProvider.LatestPosition(ctx),
		PresencePosition:    s.PresenceStreamProvider.LatestPosition(ctx),
	}
}
