package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fdbkv/fdb/internal/logging"
	"github.com/fdbkv/fdb/internal/metrics"
	"github.com/fdbkv/fdb/internal/server"
	"github.com/fdbkv/fdb/pkg/config"
	"github.com/fdbkv/fdb/pkg/engine"
)

func main() {
	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, log *zap.Logger) error {
	log.Info("starting FDB server",
		zap.String("addr", cfg.Address()),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("cache_size", cfg.CacheSize),
		zap.Float64("flush_interval", cfg.FlushInterval),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Bool("compression", cfg.Compression),
		zap.String("config_file", cfg.ConfigFile))

	eng, err := engine.Open(cfg.EngineOptions(log))
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	m := metrics.New()
	m.RegisterEngine(eng)

	srv := server.New(eng, server.Options{
		Logger:         log,
		Metrics:        m,
		Addr:           cfg.Address(),
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    config.Seconds(cfg.ReadTimeout),
		WriteTimeout:   config.Seconds(cfg.WriteTimeout),
	})
	if err := srv.Listen(); err != nil {
		return multierr.Append(err, eng.Close())
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv, err = metrics.Listen(cfg.MetricsAddr, m, log)
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ShutdownTimeout))
			defer cancel()
			return multierr.Combine(fmt.Errorf("failed to start metrics endpoint: %w", err), srv.Stop(ctx), eng.Close())
		}
		go func() {
			if err := metricsSrv.Serve(); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var errs error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		errs = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.ShutdownTimeout))
	defer cancel()

	errs = multierr.Append(errs, srv.Stop(shutdownCtx))
	errs = multierr.Append(errs, eng.Close())
	if metricsSrv != nil {
		errs = multierr.Append(errs, metricsSrv.Shutdown(shutdownCtx))
	}

	if errs == nil {
		log.Info("server stopped")
	}
	return errs
}
