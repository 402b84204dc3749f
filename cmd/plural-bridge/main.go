// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/appservice/routing"
	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto"
	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/sidecar"
	"github.com/chiaracoetzee/pluralmatrix-sub000/gatekeeper"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/caching"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/httputil"
	"github.com/chiaracoetzee/pluralmatrix-sub000/notify"
	"github.com/chiaracoetzee/pluralmatrix-sub000/proxy"
	"github.com/chiaracoetzee/pluralmatrix-sub000/queue"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/base"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/profile"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/storage"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	// transactionBuffer is how many accepted transactions may wait for the
	// worker before the appservice endpoint starts answering 503.
	transactionBuffer = 64

	// dashboardTokenTTL is how long a resolved dashboard access token is
	// trusted before the homeserver is asked again.
	dashboardTokenTTL = 5 * time.Minute

	// warnedRoomsTTL controls how often a room without redaction rights is
	// reminded.
	warnedRoomsTTL = 24 * time.Hour
)

var (
	configPath  = flag.String("config", "plural-bridge.yaml", "The path to the config file. For more information, see the config file in this repository.")
	showVersion = flag.Bool("version", false, "Shows the version and exits")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	base.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatalf("Failed to load config from %q", *configPath)
	}
	base.SetupHookLogging(cfg.Logging)
	if err = base.SetupSentry(&cfg.Global, version); err != nil {
		log.WithError(err).Fatal("Failed to set up Sentry")
	}
	closer, err := cfg.SetupTracing()
	if err != nil {
		log.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck
	log.WithField("version", version).Info("Starting plural bridge")

	processCtx := process.NewProcessContext()
	ctx := processCtx.Context()

	db, err := storage.NewDatabase(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to open the system database")
	}
	caches, err := caching.NewCaches(&cfg.Cache, db, caching.EnableMetrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to create caches")
	}

	var bus notify.Bus = notify.NewLocalBus()
	if cfg.Notify.NATSURL != "" {
		natsBus, natsErr := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if natsErr != nil {
			// Updates still reach streams served by this process.
			processCtx.Degraded(fmt.Errorf("notify: NATS unavailable: %w", natsErr))
		} else {
			defer natsBus.Close()
			bus = natsBus
		}
	}

	client, err := homeserver.NewClient(homeserver.ClientConfig{
		HomeserverURL: cfg.Global.HomeserverURL,
		ASToken:       cfg.Global.ASToken,
		ServerName:    cfg.Global.ServerName,
		BotLocalpart:  cfg.Global.SenderLocalpart,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create homeserver client")
	}
	if err = client.Bot().EnsureRegistered(ctx); err != nil {
		log.WithError(err).Fatal("Failed to register the bridge bot")
	}

	ghosts := profile.NewSync(client, cfg.Global.GhostPrefix, cfg.Global.ServerName)
	systems := system.NewInternalAPI(db, caches.ProxyRules, ghosts, bus)

	manager := crypto.NewManager(
		cfg.Crypto.StorePath,
		id.DeviceID(cfg.Crypto.DeviceID),
		sidecar.NewFactory(cfg.Crypto.HelperPath),
		crypto.NewHelperBootstrapper(cfg.Crypto.HelperPath, nil),
		client,
	)
	defer manager.Close() // nolint: errcheck
	dispatcher := crypto.NewDispatcher(&cfg.Crypto)
	sender := crypto.NewSender(manager, dispatcher, cfg.Crypto.PropagationDelay)
	decrypter := crypto.NewDecrypter(manager, cfg.Global.BotUserID())

	vault := queue.NewVault(cfg.Queue.DeadLetterTTL)
	q := queue.NewQueue(processCtx, &cfg.Queue, sender, client.Bot(), vault)
	processCtx.Go("queue.dead_letter_gc", func(ctx context.Context) error {
		return vault.RunGC(ctx, cfg.Queue.GCInterval)
	})

	proxier := proxy.NewProxier(ghosts, q)
	handler := proxy.NewHandler(
		&cfg.Global, systems, client, proxier, q, sender,
		proxy.NewRedactor(client.Bot(), sender, proxy.NewWarnedRooms(warnedRoomsTTL)),
		proxy.NewResolver(client.Bot(), decrypter),
	)
	router := crypto.NewRouter(manager, dispatcher, decrypter, client, cfg.Global.BotUserID(), handler)
	worker := routing.NewTransactionWorker(processCtx, router, transactionBuffer)

	gk := gatekeeper.NewGatekeeper(processCtx, &cfg.Gatekeeper, &cfg.Global, systems, decrypter, proxier)
	rateLimits := httputil.NewRateLimits(&cfg.AppService.RateLimiting)
	defer rateLimits.Stop()

	publicRouter := mux.NewRouter().SkipClean(true)
	routing.Setup(publicRouter, &cfg.Global, caches.Transactions, worker)
	routing.SetupDashboard(publicRouter, vault, routing.NewMatrixAuthenticator(client, dashboardTokenTTL), rateLimits, bus)
	gatekeeper.Setup(publicRouter, gk)
	if cfg.Global.Metrics.Enabled {
		publicRouter.Handle("/metrics", httputil.MetricsHandler(httputil.BasicAuth{
			Username: cfg.Global.Metrics.BasicAuth.Username,
			Password: cfg.Global.Metrics.BasicAuth.Password,
		})).Methods(http.MethodGet)
	}

	gatekeeperRouter := mux.NewRouter().SkipClean(true)
	gatekeeper.Setup(gatekeeperRouter, gk)

	if err = base.ServeHTTP(processCtx, "appservice", cfg.AppService.Listen, publicRouter); err != nil {
		log.WithError(err).Fatal("Failed to start the appservice listener")
	}
	if err = base.ServeHTTP(processCtx, "gatekeeper", cfg.Gatekeeper.Listen, gatekeeperRouter); err != nil {
		log.WithError(err).Fatal("Failed to start the gatekeeper listener")
	}

	processCtx.Go("proxy.pending_invites", func(ctx context.Context) error {
		_, err := handler.JoinPendingInvites(ctx)
		return err
	})

	base.WaitForShutdown(processCtx)
}
