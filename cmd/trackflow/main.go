package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"trackflow/internal/api"
	"trackflow/internal/config"
	"trackflow/internal/domain"
	"trackflow/internal/queue"
	"trackflow/internal/scheduler"
	"trackflow/internal/timer"
	"trackflow/internal/tracking"
	"trackflow/internal/transport"
	"trackflow/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path (yaml, json or toml)")
		addr       = flag.String("addr", "", "HTTP bind address, overrides server.addr")
		dbPath     = flag.String("db", "", "SQLite DB path, overrides storage.path")
		debug      = flag.Bool("debug", false, "expose pprof handlers")
		shutdown   = flag.Duration("shutdown-timeout", 15*time.Second, "time allowed for the final flush")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("parse log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	identityType, err := domain.ParseIdentityType(cfg.Workspace.IdentityType)
	if err != nil {
		log.Fatal().Err(err).Msg("identity type")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Storage.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	ctx := context.Background()
	if err := queue.Migrate(ctx, db, logger); err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}

	baseURL := cfg.Workspace.TrackingAPIURL
	if baseURL == "" {
		baseURL = transport.RegionURL(cfg.Workspace.Region)
	}

	store := queue.NewStore(db, cfg.Workspace.SiteID, queue.WithLogger(logger))
	client := transport.NewClient(transport.Config{
		BaseURL:   baseURL,
		SiteID:    cfg.Workspace.SiteID,
		APIKey:    cfg.Workspace.APIKey,
		UserAgent: cfg.Network.UserAgent(),
		Timeout:   cfg.Network.RequestTimeout,
	}, logger)
	runner := worker.NewRunner(store, client, logger)
	dispatcher := worker.NewDispatcher(worker.Config{
		MinTasks: cfg.Queue.MinTasksToTrigger,
		MaxBatch: cfg.Queue.MaxBatchTasks,
		MaxDelay: cfg.Queue.MaxDelay(),
	}, store, runner, timer.NewDelay(logger), nil, logger)
	q := tracking.NewQueue(store, dispatcher, tracking.Settings{
		IdentityType: identityType,
		Platform:     cfg.Workspace.Platform,
	}, nil, logger)

	if err := q.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start tracking queue")
	}

	maintenance := scheduler.NewService(q, scheduler.Config{
		ExpiryCron: cfg.Maintenance.ExpiryCron,
		FlushCron:  cfg.Maintenance.FlushCron,
		JobTimeout: cfg.Network.RequestTimeout * 4,
	}, logger)
	if err := maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("start maintenance scheduler")
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServerWithDebug(q, store, logger, *debug)}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("site_id", cfg.Workspace.SiteID).Str("tracking_url", baseURL).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), *shutdown)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	maintenance.Stop(ctxTimeout)
	if err := q.Close(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("final flush incomplete, pending tasks stay queued")
	}
	dispatcher.Stop()
}
