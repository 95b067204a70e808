// SPDX-License-Identifier: MIT

// The skipwatch daemon: watches personal Spotify playback, tracks skip
// behavior, and serves the local control API for shell clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/skipwatch/skipwatch/internal/api"
	"github.com/skipwatch/skipwatch/internal/auth"
	"github.com/skipwatch/skipwatch/internal/bus"
	"github.com/skipwatch/skipwatch/internal/clock"
	"github.com/skipwatch/skipwatch/internal/config"
	"github.com/skipwatch/skipwatch/internal/core"
	"github.com/skipwatch/skipwatch/internal/creds"
	swlog "github.com/skipwatch/skipwatch/internal/log"
	"github.com/skipwatch/skipwatch/internal/logstore"
	"github.com/skipwatch/skipwatch/internal/monitor"
	"github.com/skipwatch/skipwatch/internal/settings"
	"github.com/skipwatch/skipwatch/internal/skipstore"
	"github.com/skipwatch/skipwatch/internal/spotify"
	"github.com/skipwatch/skipwatch/internal/stats"
	"github.com/skipwatch/skipwatch/internal/telemetry"
	"github.com/skipwatch/skipwatch/internal/tokenstore"
	"github.com/skipwatch/skipwatch/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("skipwatch %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	if err := run(*configPath, *dataDir, *listen); err != nil {
		logger := swlog.WithComponent("daemon")
		logger.Error().Err(err).
			Str("event", "daemon.exit").
			Msg("daemon stopped with error")
		os.Exit(1)
	}
}

func run(configPath, dataDirFlag, listenFlag string) error {
	// .env is a convenience for local setups; absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}

	swlog.Configure(swlog.Config{Level: cfg.LogLevel})
	logger := swlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "skipwatch",
		ServiceVersion: version.Version,
		ExporterType:   cfg.OTELProtocol,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	clk := clock.RealClock{}

	// Stores.
	tokens := tokenstore.New(cfg.DataDir)
	skips := skipstore.New(cfg.DataDir)
	set := settings.NewStore(cfg.DataDir)
	agg := stats.New(cfg.DataDir, clk, func() int { return set.Get().TimeframeInDays })
	logs, err := logstore.New(cfg.DataDir, clk)
	if err != nil {
		return fmt.Errorf("init log store: %w", err)
	}
	swlog.AttachSink(logs)
	logs.SetLevel(set.Get().LogLevel)

	// Settings changes retarget the log level at runtime.
	settingsCh := make(chan settings.Settings, 1)
	set.RegisterListener(settingsCh)

	credStore := creds.NewStore()
	if cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "" {
		if err := credStore.Set(cfg.SpotifyClientID, cfg.SpotifyClientSecret); err != nil {
			return fmt.Errorf("set credentials from config: %w", err)
		}
	}

	authMgr := auth.NewManager(credStore, tokens, cfg.AccountsBaseURL, clk)
	client := spotify.NewClient(authMgr, cfg.APIBaseURL, cfg.AccountsBaseURL, spotify.Options{
		Timeout:        cfg.HTTPTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateLimitBurst: cfg.RateLimitBurst,
	})

	b := bus.New()
	mon := monitor.New(client, skips, agg, set, b, clk, monitor.Options{
		PollInterval: cfg.PollInterval,
		TickInterval: cfg.TickInterval,
	})

	c := core.New(ctx, core.Deps{
		Creds:       credStore,
		Auth:        authMgr,
		Spotify:     client,
		Monitor:     mon,
		Skips:       skips,
		Stats:       agg,
		Settings:    set,
		Logs:        logs,
		Bus:         b,
		Clock:       clk,
		RedirectURL: cfg.RedirectURL(),
	})

	srv := api.New(c, b, api.Options{Addr: cfg.Listen})

	logger.Info().
		Str("event", "daemon.started").
		Str("version", version.Version).
		Str("data_dir", cfg.DataDir).
		Str("listen", cfg.Listen).
		Msg("skipwatch daemon starting")

	// Resume monitoring across restarts when stored tokens are usable.
	if authMgr.IsValid() || authMgr.HasRefresh() {
		mon.Start(ctx)
		logger.Info().
			Str("event", "daemon.monitor.autostart").
			Msg("stored tokens usable, monitoring started")
	} else {
		logger.Info().
			Str("event", "daemon.awaiting_auth").
			Msg("no usable tokens, waiting for authentication")
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(runCtx) })
	g.Go(func() error { return set.Watch(runCtx) })
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case next := <-settingsCh:
				swlog.SetLevel(next.LogLevel)
				logs.SetLevel(next.LogLevel)
			}
		}
	})

	err = g.Wait()

	// Shutdown: stop the hot loop first, then flush every store.
	mon.Stop()
	b.Close()
	if ferr := agg.Flush(); ferr != nil {
		logger.Error().Err(ferr).
			Str("event", "daemon.flush_failed").
			Msg("statistics not flushed cleanly")
	}
	logs.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tel.Shutdown(shutdownCtx); terr != nil {
		logger.Warn().Err(terr).
			Str("event", "daemon.telemetry_shutdown_failed").
			Msg("telemetry provider did not shut down cleanly")
	}

	logger.Info().
		Str("event", "daemon.stopped").
		Msg("skipwatch daemon stopped")
	return err
}
