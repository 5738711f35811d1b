// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/synchrotron/clientapi"
	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/roomserver"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/syncapi"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/storage"
	userapi "github.com/element-hq/synchrotron/userapi/api"
	"github.com/element-hq/synchrotron/userapi/auth"
)

const shutdownTimeout = 10 * time.Second

var configPath = flag.String("config", "synchrotron.yaml", "The path to the config file. For more information, see the config file in this repository.")

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalf("Failed to load config file %q", *configPath)
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.Infof("Synchrotron version %s", internal.VersionString())

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "synchrotron@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewSyncServerDatasource(ctx, &cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, caching.EnableMetrics)

	var (
		n  notifier.Notifier = notifier.NewLocal()
		js nats.JetStreamContext
	)
	if cfg.Global.JetStream.Enabled {
		natsInstance := &jetstream.NATSInstance{}
		defer natsInstance.Close()
		var nc *nats.Conn
		js, nc, err = natsInstance.Prepare(&cfg.Global.JetStream)
		if err != nil {
			logrus.WithError(err).Panic("failed to set up NATS")
		}
		natsNotifier, err := notifier.NewNATS(nc, cfg.Global.JetStream.Prefixed(jetstream.OutputSyncWake))
		if err != nil {
			logrus.WithError(err).Panic("failed to subscribe to sync wakes")
		}
		defer natsNotifier.Close() // nolint: errcheck
		n = natsNotifier
	}

	authenticator := auth.NewStaticTokens(&cfg.ClientAPI)
	rsAPI := roomserver.NewInternalAPI(cfg, db, caches, n, js)
	typing := syncapi.NewTypingCache(db, n)

	routers := httputil.NewRouters()
	if err = syncapi.AddPublicRoutes(ctx, routers, cfg, db, typing, authenticator, userapi.NoopKeyQuerier{}, n, js); err != nil {
		logrus.WithError(err).Panic("failed to start the sync API")
	}
	rateLimits := clientapi.AddPublicRoutes(routers, cfg, rsAPI, db, typing, caches, authenticator, n)
	defer rateLimits.Stop()

	if cfg.Global.Metrics.Enabled {
		routers.Metrics.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		}))
	}

	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	externalRouter.PathPrefix(httputil.PublicClientPathPrefix).Handler(routers.Client)
	externalRouter.PathPrefix("/metrics").Handler(routers.Metrics)
	externalRouter.NotFoundHandler = httputil.NotFoundCORSHandler
	externalRouter.MethodNotAllowedHandler = httputil.NotAllowedHandler

	var handler http.Handler = externalRouter
	if cfg.Global.Sentry.Enabled {
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(handler)
	}

	server := &http.Server{
		Addr:    cfg.ClientAPI.ListenAddress,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Starting HTTP listener on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down HTTP listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err = g.Wait(); err != nil {
		logrus.WithError(err).Error("HTTP listener failed")
	}
}
