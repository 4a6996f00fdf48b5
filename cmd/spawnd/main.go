// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/travsart/spawngate/internal/api"
	"github.com/travsart/spawngate/internal/config"
	"github.com/travsart/spawngate/internal/health"
	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/monitor"
	"github.com/travsart/spawngate/internal/spawn"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "spawngate",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.Loader{Path: *configPath}
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "spawngate",
		Version: version,
	})

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Msg("starting spawngate")
	logger.Info().Msgf("→ Batch: %d-%d per %s", cfg.Throttle.MinBatchSize, cfg.Throttle.MaxBatchSize, cfg.Throttle.BaseBatchInterval)
	logger.Info().Msgf("→ Breaker: open at %.0f%% failures, cooldown %s", cfg.Breaker.OpenThresholdPercent, cfg.Breaker.Cooldown)
	logger.Info().Msgf("→ Ramp: immediate %s, rapid %s, steady %s, background %s",
		cfg.Ramp.Immediate.Duration, cfg.Ramp.Rapid.Duration, cfg.Ramp.Steady.Duration, cfg.Ramp.Background.Duration)

	svc := spawn.New(cfg.ServiceOptions())

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(&health.BreakerChecker{Breaker: svc.Breaker()})
	healthMgr.RegisterChecker(&health.PressureChecker{Monitor: svc.Monitor()})

	holder := config.NewHolder(cfg, loader)
	server := api.New(svc, healthMgr, holder)

	monitor.StartSampler(ctx, svc.Monitor(), cfg.SampleInterval, monitor.ReadSystemUsage())

	if err := holder.StartWatcher(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.watcher_failed").
			Msg("failed to start config watcher")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := svc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return serveHTTP(ctx, logger.With().Str("server", "api").Logger(), cfg.Listen, server.Router())
	})

	if cfg.MetricsListen != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serveHTTP(ctx, logger.With().Str("server", "metrics").Logger(), cfg.MetricsListen, mux)
		})
	}

	g.Go(func() error {
		return watchSIGHUP(ctx, holder)
	})

	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)
	g.Go(func() error {
		return applyReloads(ctx, reloads, svc)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon failed")
	}

	logger.Info().Msg("server exiting")
}

// serveHTTP runs an HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func serveHTTP(ctx context.Context, logger zerolog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", addr, err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// applyReloads re-applies each successfully reloaded configuration to the
// running service and the global log level.
func applyReloads(ctx context.Context, reloads <-chan config.Config, svc *spawn.Service) error {
	logger := log.WithComponent("daemon")
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-reloads:
			log.Configure(log.Config{
				Level:   cfg.LogLevel,
				Service: "spawngate",
				Version: version,
			})
			svc.Reconfigure(cfg.ServiceOptions())
			logger.Info().
				Str(log.FieldEvent, "config.applied").
				Msg("reloaded configuration applied to running service")
		}
	}
}

// watchSIGHUP triggers a config reload on SIGHUP.
func watchSIGHUP(ctx context.Context, holder *config.Holder) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := holder.Reload(ctx); err != nil {
				logger := log.WithComponent("daemon")
				logger.Error().
					Err(err).
					Str(log.FieldEvent, "config.sighup_reload_failed").
					Msg("SIGHUP reload failed")
			}
		}
	}
}
