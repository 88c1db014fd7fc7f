// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/internal/httputil"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi/consumers"
	syncinternal "github.com/meridian-im/syncd/syncapi/internal"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/routing"
	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/sync"
	"github.com/meridian-im/syncd/syncapi/types"
)

// AddPublicRoutes sets up and registers HTTP handlers for the sync API,
// starts the intake consumers and wires the streams, caches and notifier
// together. The datastore must also serve presence reads.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	publicAPIMux *mux.Router,
	cfg *config.Meridian,
	js nats.JetStreamContext,
	syncDB storage.SyncServerDatastore,
	presence sync.PresenceProvider,
	caches *caching.Caches,
	verifier httputil.AccessTokenVerifier,
) {
	eduCache := caching.NewTypingCache()
	notifier := notifier.NewNotifier()
	streams := streams.NewSyncStreamProviders(syncDB.MaxPositions(), eduCache)
	notifier.SetCurrentPosition(streams.Latest(processContext.Context()))

	// Typing expiry advances the typing stream without a message, so the
	// cache wakes pollers itself.
	eduCache.SetTimeoutCallback(func(userID, roomID string, latestSyncPosition int64) {
		pos := types.StreamPosition(latestSyncPosition)
		streams.TypingStreamProvider.Advance(pos)
		notifier.OnNewTyping(roomID, types.StreamingToken{TypingPosition: pos})
	})

	requestPool := sync.NewRequestPool(
		processContext, syncDB, &cfg.SyncAPI, streams, notifier,
		presence,
		&syncinternal.HistoryVisibilityFilter{},
		&syncinternal.PushRulesFormatter{},
		caches, eduCache,
	)

	if err := notifier.Load(processContext.Context(), syncDB); err != nil {
		logrus.WithError(err).Panicf("failed to load notifier")
	}

	eventConsumer := consumers.NewOutputRoomEventConsumer(
		processContext, &cfg.SyncAPI, js, syncDB, caches, notifier, streams.PDUStreamProvider,
	)
	if err := eventConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start room event consumer")
	}

	typingConsumer := consumers.NewOutputTypingEventConsumer(
		processContext, &cfg.SyncAPI, js, eduCache, notifier, streams.TypingStreamProvider,
	)
	if err := typingConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start typing consumer")
	}

	receiptConsumer := consumers.NewOutputReceiptEventConsumer(
		processContext, &cfg.SyncAPI, js, syncDB, notifier, streams.ReceiptStreamProvider,
	)
	if err := receiptConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start receipts consumer")
	}

	accountDataConsumer := consumers.NewOutputClientDataConsumer(
		processContext, &cfg.SyncAPI, js, syncDB, notifier,
		streams.AccountDataStreamProvider, streams.PushRulesStreamProvider,
	)
	if err := accountDataConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start account data consumer")
	}

	presenceConsumer := consumers.NewOutputPresenceEventConsumer(
		processContext, &cfg.SyncAPI, js, syncDB, notifier, streams.PresenceStreamProvider,
	)
	if err := presenceConsumer.Start(); err != nil {
		logrus.WithError(err).Panicf("failed to start presence consumer")
	}

	routing.Setup(publicAPIMux, requestPool, &cfg.SyncAPI, verifier)
}
