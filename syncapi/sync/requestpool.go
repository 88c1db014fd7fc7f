// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-im/syncd/internal"
	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi/notifier"
	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/streams"
	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

// PresenceProvider exposes the presence subsystem's state to the engine.
type PresenceProvider interface {
	// GetPresenceAfter returns presence events for users whose state changed
	// after the given position, plus the highest position seen.
	GetPresenceAfter(ctx context.Context, from types.StreamPosition, includeOffline bool) ([]synctypes.ClientEvent, types.StreamPosition, error)
	// GetPresenceStates returns the current presence of the given users.
	GetPresenceStates(ctx context.Context, userIDs []string) ([]synctypes.ClientEvent, error)
}

// VisibilityFilter decides which events a user is allowed to see. Every
// event carried in a sync response passes through it.
type VisibilityFilter interface {
	FilterEventsForClient(ctx context.Context, snapshot storage.DatabaseTransaction, userID string, events []*types.StreamEvent) ([]*types.StreamEvent, error)
}

// PushRulesFormatter renders the user's stored push rules into the client
// account data representation.
type PushRulesFormatter interface {
	FormatPushRulesForUser(userID string, raw spec.RawJSON) (spec.RawJSON, error)
}

// RequestPool manages all outstanding sync requests: it parses them,
// coalesces duplicates, runs the long-poll gate and hands the rest to the
// result builder.
type RequestPool struct {
	db         storage.Database
	cfg        *config.SyncAPI
	streams    *streams.Streams
	notifier   *notifier.Notifier
	presence   PresenceProvider
	visibility VisibilityFilter
	pushRules  PushRulesFormatter
	caches     *caching.Caches
	eduCache   *caching.EDUCache
	cache      *responseCache
	process    *process.ProcessContext
}

// NewRequestPool builds the request pool.
func NewRequestPool(
	processCtx *process.ProcessContext,
	db storage.Database,
	cfg *config.SyncAPI,
	streams *streams.Streams,
	n *notifier.Notifier,
	presence PresenceProvider,
	visibility VisibilityFilter,
	pushRules PushRulesFormatter,
	caches *caching.Caches,
	eduCache *caching.EDUCache,
) *RequestPool {
	_ = prometheus.Register(activeSyncRequests)
	_ = prometheus.Register(waitingSyncRequests)
	_ = prometheus.Register(cachedSyncRequests)
	return &RequestPool{
		db:         db,
		cfg:        cfg,
		streams:    streams,
		notifier:   n,
		presence:   presence,
		visibility: visibility,
		pushRules:  pushRules,
		caches:     caches,
		eduCache:   eduCache,
		cache:      newResponseCache(cfg.ResponseCacheTTL),
		process:    processCtx,
	}
}

var (
	activeSyncRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "syncapi",
			Name:      "active_sync_requests",
			Help:      "The number of sync requests that are active right now",
		},
	)
	waitingSyncRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "syncapi",
			Name:      "waiting_sync_requests",
			Help:      "The number of sync requests that are blocked waiting for an update",
		},
	)
	cachedSyncRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "syncapi",
			Name:      "cached_sync_requests_total",
			Help:      "The number of sync requests served by joining an in-flight computation",
		},
	)
)

// OnIncomingSyncRequest is the HTTP entry point for GET /sync.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *types.Device) util.JSONResponse {
	syncReq, errRes := newSyncRequest(req, *device, rp.caches)
	if errRes != nil {
		return *errRes
	}

	activeSyncRequests.Inc()
	defer activeSyncRequests.Dec()

	trace, ctx := internal.StartTask(req.Context(), "WaitForSync")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)
	syncReq.context = ctx

	res, err := rp.WaitForSync(syncReq)
	if err != nil {
		if ctx.Err() != nil {
			// The client went away; there is nobody to answer.
			return util.JSONResponse{Code: http.StatusRequestTimeout, JSON: struct{}{}}
		}
		syncReq.log.WithError(err).Error("sync failed")
		sentry.CaptureException(err)
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// WaitForSync answers one sync poll, blocking up to the request's timeout
// for something worth returning. Identical in-flight polls share one
// computation via the response cache.
func (rp *RequestPool) WaitForSync(req *syncRequest) (*types.Response, error) {
	entry, owner := rp.cache.getOrStart(req.requestKey)
	if !owner {
		cachedSyncRequests.Inc()
		return entry.wait(req.context)
	}

	// The computation runs on the process context, not the request context:
	// a disconnecting client must not abort it, so the cached result can
	// serve a retry.
	go func() {
		res, err := rp.sync(rp.process.Context(), req)
		entry.resolve(res, err)
	}()
	return entry.wait(req.context)
}

func (rp *RequestPool) sync(ctx context.Context, req *syncRequest) (*types.Response, error) {
	start := time.Now()
	if req.timeout == 0 || req.since == nil || req.wantFullState {
		res, err := rp.generateSyncResult(ctx, req)
		if err == nil {
			observeSyncMetrics(time.Since(start), time.Since(start))
		}
		return res, err
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	listener := rp.notifier.GetListener(ctx, req.device)
	defer listener.Close()

	// waitingAt tracks what the poll has already seen: each recomputation
	// advances it to the recomputed response's token so stale wakes do not
	// spin the loop.
	waitingAt := req.since.StreamToken
	wakeAt := start
	for {
		waitingSyncRequests.Inc()
		select {
		case <-ctx.Done():
			waitingSyncRequests.Dec()
			return nil, ctx.Err()
		case <-timer.C:
			waitingSyncRequests.Dec()
			// Timing out is not an error: return the final recomputation,
			// empty or not, with whatever token it advanced to.
			res, err := rp.generateSyncResult(ctx, req)
			if err == nil {
				observeSyncMetrics(time.Since(start), time.Since(wakeAt))
			}
			return res, err
		case <-listener.GetNotifyChannel(waitingAt):
			waitingSyncRequests.Dec()
			wakeAt = time.Now()
		}

		res, err := rp.generateSyncResult(ctx, req)
		if err != nil {
			return nil, err
		}
		if !res.IsEmpty() {
			observeSyncMetrics(time.Since(start), time.Since(wakeAt))
			return res, nil
		}
		waitingAt = waitingAt.ApplyUpdates(res.NextBatch.StreamToken)
	}
}
