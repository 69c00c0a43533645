package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/bandwidth"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/domains"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/gallery"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/httpapi"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/importer"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/login"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/sqlite"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/app"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/buildinfo"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/config"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/logging"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	def := config.Default()
	addr := flag.String("addr", def.Addr, "Adresse d'écoute (ex: 127.0.0.1:8080)")
	dbPath := flag.String("db", def.DBPath, "Chemin SQLite (ex: gsd.db)")
	dataDir := flag.String("data", def.DataDir, "Dossier des fichiers importés")
	netFile := flag.String("config", def.NetworkFile, "Fichier réseau .toml/.yaml (optionnel, rechargé à chaud)")
	flag.Parse()

	logger := logging.New(os.Stdout, def.LogLevel, def.LogFormat, "gsd-server")
	log.Logger = logger
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed to load .env")
	}

	logger.Info().Interface("build", buildinfo.Current()).Str("db", *dbPath).Str("data", *dataDir).Msg("starting")

	if err := run(logger, def, *addr, *dbPath, *dataDir, *netFile); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("bye")
}

func run(logger zerolog.Logger, cfg config.Config, addr, dbPath, dataDir, netFile string) error {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nf := config.DefaultNetworkFile()
	if netFile != "" {
		loaded, err := config.LoadNetworkFile(netFile)
		if err != nil {
			return err
		}
		nf = loaded
	}

	db, err := sqlite.Open(shutdownCtx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	bus := memorybus.New()
	defer bus.Close()

	settingsSvc := app.NewSettingsService(sqlite.NewSettingsRepository(db.SQL))
	settings, err := settingsSvc.Get(shutdownCtx)
	if err != nil {
		return err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	// Pas de Timeout global: les téléchargements peuvent être longs.
	client := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: time.Duration(settings.NetworkTimeoutSeconds) * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}

	bw := bandwidth.New(nf.BandwidthConfig())
	domainMgr := domains.New(nf.DomainsConfig(), logging.Component(logger, "domains"))
	loginMgr := login.New(nf.LoginConfig(), login.HTTPProbe(client), logging.Component(logger, "login"))

	generators, err := gallery.RegistryFromConfig(nf.Galleries)
	if err != nil {
		return err
	}
	store, err := importer.NewDiskStore(dataDir, logging.Component(logger, "importer"))
	if err != nil {
		return err
	}

	connections := app.NewDynamicLimiter(settings.MaxConcurrentConnections)
	jobs := app.NewJobRegistry(bus, 100)
	env := &app.NetworkEnv{
		Client:      client,
		Bandwidth:   bw,
		Domains:     domainMgr,
		Connections: connections,
		Registry:    jobs,
		Logger:      logging.Component(logger, "network"),
	}

	subsRepo := sqlite.NewSubscriptionsRepository(db.SQL, logging.Component(logger, "subscriptions-repo"))
	subsSvc := app.NewSubscriptionService(subsRepo, generators, bus)

	runner := app.NewSubscriptionRunner(app.RunnerDeps{
		Repo:       subsRepo,
		Net:        env,
		Logins:     loginMgr,
		Generators: generators,
		Parser:     gallery.NewAutoParser(),
		Importer:   store,
		Bus:        bus,
		Settings:   settingsSvc.Current,
		Logger:     logging.Component(logger, "runner"),
	}, app.DefaultRunnerOptions())

	manager := app.NewSubscriptionsManager(app.ManagerDeps{
		Repo:      subsRepo,
		Runner:    runner,
		Bandwidth: bw,
		Settings:  settingsSvc.Current,
		Logger:    logging.Component(logger, "manager"),
	}, app.DefaultManagerOptions())
	subsSvc.AttachManager(manager)

	settingsSvc.OnChange(func(updated domain.Settings) {
		connections.SetLimit(updated.MaxConcurrentConnections)
		manager.Wake()
	})

	srv := httpapi.NewServer(logger, httpapi.Deps{
		Settings:      settingsSvc,
		Subscriptions: subsSvc,
		Manager:       manager,
		Jobs:          jobs,
		JobCanceller:  jobs,
		Bandwidth:     bw,
		Domains:       domainMgr,
		Logins:        loginMgr,
		Files:         store,
		Bus:           bus,
		CORSOrigins:   cfg.CORSOrigins,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	if netFile != "" {
		g.Go(func() error {
			return config.WatchNetworkFile(ctx, netFile, logging.Component(logger, "config"), func(updated config.NetworkFile) {
				bw.SetConfig(updated.BandwidthConfig())
				domainMgr.SetConfig(updated.DomainsConfig())
				loginMgr.SetConfig(updated.LoginConfig())
				gens, err := gallery.BuildGenerators(updated.Galleries)
				if err != nil {
					logger.Error().Err(err).Msg("gallery generators rejected")
				} else {
					generators.Replace(gens...)
				}
				manager.Wake()
			})
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
