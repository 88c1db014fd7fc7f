// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MFAshby/stdemuxerhook"
	sentry "github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	_ "github.com/kardianos/minwinsvc"

	"github.com/meridian-im/syncd/internal"
	"github.com/meridian-im/syncd/internal/caching"
	"github.com/meridian-im/syncd/internal/httputil"
	"github.com/meridian-im/syncd/setup/config"
	"github.com/meridian-im/syncd/setup/jetstream"
	"github.com/meridian-im/syncd/setup/process"
	"github.com/meridian-im/syncd/syncapi"
	"github.com/meridian-im/syncd/syncapi/storage/memory"
	"github.com/meridian-im/syncd/syncapi/types"
)

var configPath = flag.String("config", "syncd.yaml", "The path to the config file")

// proxyAuthVerifier trusts the identity headers set by the fronting
// gateway, which terminates access tokens before requests reach syncd.
type proxyAuthVerifier struct{}

func (proxyAuthVerifier) VerifyAccessToken(req *http.Request) (*types.Device, *util.JSONResponse) {
	userID := req.Header.Get("X-Meridian-User-ID")
	deviceID := req.Header.Get("X-Meridian-Device-ID")
	if userID == "" || deviceID == "" {
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing user identity headers"),
		}
	}
	return &types.Device{
		UserID:  userID,
		ID:      deviceID,
		IsGuest: req.Header.Get("X-Meridian-Guest") == "1",
	}, nil
}

func main() {
	flag.Parse()

	internal.SetupStdLogging()
	// Split entries by severity between stdout and stderr.
	logrus.AddHook(stdemuxerhook.New(logrus.StandardLogger()))
	logrus.SetOutput(io.Discard)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Global.Logging)

	processCtx := process.NewProcessContext()

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		go func() {
			processCtx.ComponentStarted()
			<-processCtx.WaitForShutdown()
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
			processCtx.ComponentFinished()
		}()
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	natsInstance := &jetstream.NATSInstance{}
	js, nc := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)

	syncDB := memory.NewDatabase()
	caches := caching.NewRistrettoCache(
		cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge,
		cfg.Global.Metrics.Enabled,
	)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	publicAPIMux := router.PathPrefix("/_matrix/client/").Subrouter()
	syncapi.AddPublicRoutes(
		processCtx, publicAPIMux, cfg, js,
		syncDB, syncDB, caches, proxyAuthVerifier{},
	)

	if cfg.Global.Metrics.Enabled {
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}

	srv := &http.Server{
		Addr:         cfg.SyncAPI.BindAddress,
		Handler:      httputil.WrapHandlerInCORS(router),
		ReadTimeout:  0, // long-polling
		WriteTimeout: 0,
	}

	go func() {
		processCtx.ComponentStarted()
		logrus.Infof("Starting syncd on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
	}()

	<-processCtx.WaitForShutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	nc.Close()
	processCtx.ComponentFinished()
	processCtx.WaitForComponentsToFinish()
	fmt.Println("Exiting syncd")
}
