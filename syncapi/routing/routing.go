// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/meridian-im/syncd/internal/httputil"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/syncapi/sync"
	"github.com/meridian-im/syncd/syncapi/types"
)

// Setup registers the public sync endpoints on the given router.
func Setup(
	publicAPIMux *mux.Router,
	srp *sync.RequestPool,
	cfg *config.SyncAPI,
	verifier httputil.AccessTokenVerifier,
) {
	v3mux := publicAPIMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)

	v3mux.Handle("/sync", httputil.MakeAuthAPI("sync", verifier,
		func(req *http.Request, device *types.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, device); r != nil {
				return *r
			}
			return srp.OnIncomingSyncRequest(req, device)
		},
	)).Methods(http.MethodGet, http.MethodOptions)
}
