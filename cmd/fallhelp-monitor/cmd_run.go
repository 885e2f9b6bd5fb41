package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fallhelp/monitor/internal/banner"
	"github.com/fallhelp/monitor/internal/config"
	"github.com/fallhelp/monitor/internal/db"
	"github.com/fallhelp/monitor/internal/fallhelp/live"
	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/store/memory"
	"github.com/fallhelp/monitor/internal/fallhelp/store/sqlite"
	"github.com/fallhelp/monitor/internal/health"
	"github.com/fallhelp/monitor/internal/httpapi"
	"github.com/fallhelp/monitor/internal/resync"
	"github.com/fallhelp/monitor/internal/transport/ws"
)

type runFlags struct {
	configFile string
	serverURL  string
	apiURL     string
	userID     string
	elderID    string
	cache      string
	dbPath     string
	statusAddr string
	healthAddr string
	logLevel   string
	quiet      bool
}

// newRunCmd creates the "run" subcommand.
func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and keep the live session healthy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, f.quiet)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "YAML config file (default $FALLHELP_CONFIG)")
	fl.StringVar(&f.serverURL, "server", "", "live server URL")
	fl.StringVar(&f.apiURL, "api", "", "REST API base URL")
	fl.StringVar(&f.userID, "user", "", "caregiver user id")
	fl.StringVar(&f.elderID, "elder", "", "elder id")
	fl.StringVar(&f.cache, "cache", "", "cache backend: memory or sqlite")
	fl.StringVar(&f.dbPath, "db", "", "SQLite cache path")
	fl.StringVar(&f.statusAddr, "status-addr", "", "status HTTP listen address")
	fl.StringVar(&f.healthAddr, "health-addr", "", "gRPC health listen address")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.BoolVar(&f.quiet, "quiet", false, "no connection banner")
	return cmd
}

// loadRunConfig layers flags that were set over the file and environment.
func loadRunConfig(cmd *cobra.Command, f runFlags) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if f.configFile != "" {
		cfg, err = config.Load(f.configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return config.Config{}, err
	}

	set := cmd.Flags().Changed
	if set("server") {
		cfg.ServerURL = f.serverURL
	}
	if set("api") {
		cfg.APIURL = f.apiURL
	}
	if set("user") {
		cfg.Identity.UserID = f.userID
	}
	if set("elder") {
		cfg.Identity.ElderID = f.elderID
	}
	if set("cache") {
		cfg.Cache = f.cache
	}
	if set("db") {
		cfg.DBPath = f.dbPath
	}
	if set("status-addr") {
		cfg.StatusAddr = f.statusAddr
	}
	if set("health-addr") {
		cfg.HealthAddr = f.healthAddr
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	cfg.Identity = cfg.Identity.Normalize()

	return cfg, cfg.Validate()
}

func run(parent context.Context, cfg config.Config, quiet bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, cfg.LogLevel)

	// Cache
	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	// REST re-fetch
	client, err := resync.NewClient(resync.ClientConfig{
		BaseURL: cfg.APIURL,
		Token:   cfg.Token,
	}, logger.With().Str("component", "api").Logger())
	if err != nil {
		return err
	}
	syncer := resync.NewSyncer(client, cache, nil, logger.With().Str("component", "resync").Logger())

	// Live
	mgr, err := live.New(live.Config{
		Watchdog: live.WatchdogConfig{TickInterval: cfg.WatchdogTick, StaleAfter: cfg.StaleAfter},
		Session:  live.SessionConfig{InitialBackoff: cfg.BackoffInitial, MaxBackoff: cfg.BackoffMax},
	}, live.Dependencies{
		Logger:      logger,
		Dialer:      ws.NewDialer(ws.Config{URL: cfg.ServerURL, Token: cfg.Token}),
		Cache:       cache,
		Invalidator: syncer,
		Resyncer:    syncer,
	})
	if err != nil {
		return err
	}
	if !quiet {
		mgr.Subscribe(banner.New(os.Stdout).Observe)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	// gRPC health
	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", cfg.HealthAddr)
		}
		hs := health.NewServer(logger.With().Str("component", "health").Logger())
		mgr.Subscribe(hs.Observe)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("grpc health server error")
			}
		}()
		defer hs.Stop()
	}

	// Status HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:  logger.With().Str("component", "http").Logger(),
		Addr:    cfg.StatusAddr,
		Monitor: mgr,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.StatusAddr).Msg("status endpoint listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("status server error")
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Teardown()

	if err := mgr.Connect(ctx, cfg.Identity); err != nil {
		return err
	}

	if cfg.File != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchIdentity(ctx, cfg, mgr, logger)
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

// watchIdentity reconnects when the identity in the config file changes.
func watchIdentity(ctx context.Context, cfg config.Config, mgr *live.Manager, logger zerolog.Logger) {
	current := cfg.Identity
	err := config.Watch(ctx, cfg.File, logger, func(next config.Config) {
		if next.Identity == current || next.Identity.IsZero() {
			return
		}
		if err := mgr.Connect(ctx, next.Identity); err != nil {
			logger.Warn().Err(err).Str("identity", next.Identity.String()).Msg("identity change refused")
			return
		}
		logger.Info().
			Str("from", current.String()).
			Str("to", next.Identity.String()).
			Msg("identity changed in config")
		current = next.Identity
	})
	if err != nil {
		logger.Warn().Err(err).Msg("config watch stopped")
	}
}

func openCache(ctx context.Context, cfg config.Config) (store.Cache, func(), error) {
	if cfg.Cache != config.CacheSQLite {
		return memory.New(), func() {}, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, nil, err
	}
	writer := db.NewWorker(conn)
	closeFn := func() {
		writer.Close()
		_ = conn.Close()
	}
	return sqlite.NewCache(conn, writer), closeFn, nil
}
