// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/syncapi/synctypes"
	"github.com/meridian-im/syncd/syncapi/types"
)

const defaultSyncTimeout = time.Duration(0)

// syncRequest is one parsed sync poll. It is immutable once built; the
// result builder never writes back into it.
type syncRequest struct {
	context       context.Context
	log           *logrus.Entry
	device        types.Device
	since         *types.SyncBatchToken
	timeout       time.Duration
	wantFullState bool
	filter        synctypes.Filter
	extras        types.SyncExtras
	pagination    *types.LazyPaginationConfig

	// requestKey is the coalescing fingerprint: two requests with the same
	// key are the same poll and share one computation.
	requestKey string
}

// newSyncRequest parses the query surface of GET /sync. Returns a 400
// response for anything malformed; the engine never sees invalid input.
func newSyncRequest(req *http.Request, device types.Device, caches *caching.Caches) (*syncRequest, *util.JSONResponse) {
	logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"sync_id":   uuid.NewString(),
	})

	timeout := defaultSyncTimeout
	if rawTimeout := req.URL.Query().Get("timeout"); rawTimeout != "" {
		ms, err := strconv.Atoi(rawTimeout)
		if err != nil || ms < 0 {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid timeout value"),
			}
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	var since *types.SyncBatchToken
	sinceStr := req.URL.Query().Get("since")
	if sinceStr != "" {
		tok, err := types.NewSyncBatchTokenFromString(sinceStr)
		if err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid since value"),
			}
		}
		since = &tok
	}

	fullState := false
	if rawFullState := req.URL.Query().Get("full_state"); rawFullState != "" && rawFullState != "false" {
		fullState = true
	}

	filter, errRes := parseFilterParam(req.URL.Query().Get("filter"), caches)
	if errRes != nil {
		return nil, errRes
	}

	var extras types.SyncExtras
	extrasStr := req.URL.Query().Get("extras")
	if extrasStr != "" {
		if err := json.Unmarshal([]byte(extrasStr), &extras); err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid extras value"),
			}
		}
	}

	var pagination *types.LazyPaginationConfig
	paginationStr := req.URL.Query().Get("pagination")
	if paginationStr != "" {
		var cfg types.LazyPaginationConfig
		if err := json.Unmarshal([]byte(paginationStr), &cfg); err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid pagination value"),
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(err.Error()),
			}
		}
		pagination = &cfg
	}

	return &syncRequest{
		context:       req.Context(),
		log:           logger,
		device:        device,
		since:         since,
		timeout:       timeout,
		wantFullState: fullState,
		filter:        filter,
		extras:        extras,
		pagination:    pagination,
		requestKey: requestFingerprint(
			device, sinceStr, timeout, fullState,
			req.URL.Query().Get("filter"), extrasStr, paginationStr,
		),
	}, nil
}

// parseFilterParam handles the filter query parameter. Only inline JSON
// filters are supported: stored filter IDs belong to the account server, not
// to this engine.
func parseFilterParam(filterQuery string, caches *caching.Caches) (synctypes.Filter, *util.JSONResponse) {
	if filterQuery == "" {
		return synctypes.DefaultFilter(), nil
	}
	if filterQuery[0] != '{' {
		return synctypes.Filter{}, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Stored filters are not supported, pass the filter inline"),
		}
	}
	if cached, ok := caches.GetParsedSyncFilter(filterQuery); ok {
		return cached, nil
	}
	filter := synctypes.DefaultFilter()
	if err := json.Unmarshal([]byte(filterQuery), &filter); err != nil {
		return synctypes.Filter{}, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Invalid filter value"),
		}
	}
	if err := filter.Validate(); err != nil {
		return synctypes.Filter{}, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	}
	caches.StoreParsedSyncFilter(filterQuery, filter)
	return filter, nil
}

// requestFingerprint hashes everything that affects the result of a poll.
// A client retrying the exact same poll lands on the same key and joins the
// in-flight computation instead of starting another.
func requestFingerprint(device types.Device, since string, timeout time.Duration, fullState bool, filter, extras, pagination string) string {
	h := sha256.New()
	for _, part := range []string{
		device.UserID, device.ID, since,
		strconv.FormatInt(int64(timeout), 10),
		strconv.FormatBool(fullState),
		filter, extras, pagination,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
