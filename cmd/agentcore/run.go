package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcore-dev/agentcore/pkg/config"
	"github.com/agentcore-dev/agentcore/pkg/eventbus"
	"github.com/agentcore-dev/agentcore/pkg/group"
	"github.com/agentcore-dev/agentcore/pkg/health"
	"github.com/agentcore-dev/agentcore/pkg/lifecycle"
	"github.com/agentcore-dev/agentcore/pkg/observability"
	"github.com/agentcore-dev/agentcore/pkg/session"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agentcore runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	observability.InitMetrics()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}

	mgr := session.NewManager(store, session.ManagerConfig{
		DefaultTTL:     cfg.Session.TTL.Std(),
		MaxRecordBytes: int(cfg.Session.MaxRecordSize),
		SweepInterval:  cfg.Session.SweepInterval.Std(),
		Logger:         logger,
	})
	if err := mgr.StartSweeper(); err != nil {
		return fmt.Errorf("starting session sweeper: %w", err)
	}

	bus, err := eventbus.New(eventbus.Config{
		Dir:                 cfg.Events.Dir,
		RetentionMaxAge:     cfg.Events.RetentionAge.Std(),
		MaxEntries:          cfg.Events.MaxEntries,
		DefaultReplayPolicy: eventbus.ReplayPolicy(cfg.Events.DefaultReplay),
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}

	monitor, err := health.NewMonitor(health.Config{
		HeartbeatInterval: cfg.Health.HeartbeatInterval.Std(),
		ActivityTimeout:   cfg.Health.ActivityTimeout.Std(),
		MaxMissedBeats:    cfg.Health.MaxMissedBeats,
		ZombieFactor:      cfg.Health.ZombieFactor,
		ProbeTimeout:      cfg.Health.ProbeTimeout.Std(),
		AutoRecover:       cfg.Health.AutoRecover,
		EscalationRate:    cfg.Health.EscalationRate,
		DefaultStrategy:   &health.AlertOnlyStrategy{},
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("initializing health monitor: %w", err)
	}
	monitor.SetEventBus(bus)
	monitor.StartMonitoring()

	coordinator, err := group.NewCoordinator(bus, logger)
	if err != nil {
		return fmt.Errorf("initializing group coordinator: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Shutdown order: stop intake surfaces first, flush storage last.
	shutdown := lifecycle.NewCoordinator(cfg.ShutdownTimeout.Std(), logger)
	if metricsSrv != nil {
		shutdown.Register("metrics-server", metricsSrv.Shutdown)
	}
	shutdown.Register("group-coordinator", func(ctx context.Context) error {
		coordinator.Close()
		return nil
	})
	shutdown.Register("health-monitor", func(ctx context.Context) error {
		return monitor.Close()
	})
	shutdown.Register("event-bus", func(ctx context.Context) error {
		return bus.Close()
	})
	shutdown.Register("session-manager", func(ctx context.Context) error {
		mgr.StopSweeper()
		return mgr.Close()
	})

	logger.Info("agentcore started",
		"version", Version,
		"session_backend", cfg.Session.Backend,
		"events_dir", cfg.Events.Dir,
		"detection_sla", cfg.Health.HeartbeatInterval.Std()*time.Duration(cfg.Health.MaxMissedBeats))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	return shutdown.Shutdown(context.Background())
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if cfg.Events.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.Events.Dir = filepath.Join(home, ".agentcore", "events")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case "memory":
		return session.NewMemoryStore(), nil
	case "file":
		return session.NewFileStore(cfg.Session.FileDir)
	case "redis":
		return session.NewRedisStore(session.RedisConfig{
			Addr:      cfg.Session.RedisAddr,
			Password:  cfg.Session.RedisPassword,
			DB:        cfg.Session.RedisDB,
			Prefix:    cfg.Session.RedisPrefix,
			RecordTTL: cfg.Session.RedisTTL.Std(),
		})
	case "postgres":
		return session.NewPostgresStore(ctx, cfg.Session.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
