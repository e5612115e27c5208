package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/consolr/internal/config"
	histfactory "github.com/loykin/consolr/internal/history/factory"
	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/registry"
	"github.com/loykin/consolr/internal/server"
	storefactory "github.com/loykin/consolr/internal/store/factory"
)

const shutdownTimeout = 5 * time.Second

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, flags *ServeFlags, args []string, out io.Writer) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		pid, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
		return nil
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	logger, logCloser := cfg.Log.NewSlogger()
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	globalEnv, err := cfg.BuildEnv()
	if err != nil {
		return err
	}

	supOpts := cfg.SupervisorOptions()
	supOpts.EnvMerger = globalEnv.Merge
	supOpts.Logger = logger

	for _, dsn := range cfg.History.Sinks {
		sink, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		supOpts.Sinks = append(supOpts.Sinks, sink)
	}

	regOpts := []registry.Option{
		registry.WithSupervisorOptions(supOpts),
		registry.WithDefaultExecutable(cfg.Supervisor.Executable),
		registry.WithLogger(logger),
	}
	if cfg.Store.DSN != "" {
		st, err := storefactory.NewFromDSN(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer func() { _ = st.Close() }()
		regOpts = append(regOpts, registry.WithStore(st))
	}

	reg := registry.New(regOpts...)
	// runs after the HTTP server is down and before the store and sinks close
	defer reg.ShutdownAll()

	if err := registerServers(ctx, reg, cfg, logger); err != nil {
		return err
	}

	apiOpts := []server.Option{server.WithWriteTimeout(server.WriteTimeoutFor(supOpts))}
	if cfg.Metrics.Enabled {
		stopMetrics, opts, err := setupMetrics(ctx, reg, cfg, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
		apiOpts = append(apiOpts, opts...)
	}

	srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, reg, apiOpts...)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	logger.Info("consolr daemon started", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "servers", len(reg.List()))

	<-ctx.Done()
	logger.Info("shutting down")
	if err := server.Shutdown(srv, shutdownTimeout); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// registerServers restores stored registrations, then applies [[servers]].
// A config entry replaces a stored one with the same identity.
func registerServers(ctx context.Context, reg *registry.Registry, cfg *config.Config, logger *slog.Logger) error {
	n, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore registrations: %w", err)
	}
	if n > 0 {
		logger.Info("restored registrations", "count", n)
	}

	for _, rec := range cfg.Records() {
		_, err := reg.Register(rec)
		if errors.Is(err, registry.ErrDuplicateIdentity) {
			id := rec.ID
			if id == "" {
				id = registry.IdentityFor(rec.WorkDir)
			}
			if err = reg.Unregister(id); err == nil {
				_, err = reg.Register(rec)
			}
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", rec.WorkDir, err)
		}
	}
	return nil
}

// setupMetrics registers collectors on the default registry, starts the
// resource sampler and returns the API options that expose both.
func setupMetrics(ctx context.Context, reg *registry.Registry, cfg *config.Config, logger *slog.Logger) (func(), []server.Option, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	sampler := metrics.NewResourceSampler(cfg.Metrics.ResourceInterval, reg.LivePIDs)
	if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, fmt.Errorf("register resource metrics: %w", err)
	}
	sampler.Start(ctx)

	opts := []server.Option{server.WithUsage(sampler.Get)}
	if cfg.Metrics.Listen == "" {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
		return sampler.Stop, opts, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	msrv, err := server.Serve(cfg.Metrics.Listen, mux)
	if err != nil {
		sampler.Stop()
		return nil, nil, fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
	}
	logger.Info("metrics listening", "listen", cfg.Metrics.Listen)
	stop := func() {
		_ = server.Shutdown(msrv, shutdownTimeout)
		sampler.Stop()
	}
	return stop, opts, nil
}
