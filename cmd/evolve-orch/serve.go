package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
	"github.com/hochfrequenz/evolve-orchestrator/internal/notify"
	"github.com/hochfrequenz/evolve-orchestrator/internal/observer"
	"github.com/hochfrequenz/evolve-orchestrator/internal/snapshots"
	"github.com/hochfrequenz/evolve-orchestrator/web/api"
)

const (
	stuckThreshold  = 2 * time.Hour
	shutdownTimeout = 30 * time.Second
)

var (
	servePort    int
	serveOrigins []string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", nil, "CORS origin allowed to call the API (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}

	snaps, err := snapshots.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer snaps.Close()

	obs := observer.New(stuckThreshold)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	server := api.NewServer(rt.manager, api.Options{
		Addr:           addr,
		Logger:         logger.Named("api"),
		Evolver:        rt.service,
		Snapshots:      snaps,
		Providers:      rt.providers.Providers,
		Metrics:        func() observer.Metrics { return obs.GetMetrics(rt.manager.List()) },
		AllowedOrigins: serveOrigins,
	})

	watcher, err := observer.NewResultsWatcher(server.OnStoreUpdate, logger.Named("watcher"))
	if err != nil {
		return fmt.Errorf("creating results watcher: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	rt.manager.OnStatusChange(obs.Record)
	rt.manager.OnStatusChange(server.OnRunEvent)
	rt.manager.OnStatusChange(func(ev executor.RunEvent) {
		switch ev.Type {
		case executor.EventStarted:
			if err := watcher.Add(ev.Run.ResultsLocation); err != nil {
				logger.Warn("watching results location failed",
					zap.String("run_id", ev.Run.ID), zap.Error(err))
			}
		case executor.EventFinished:
			watcher.Remove(ev.Run.ResultsLocation)
		}
	})
	if n := notifierFor(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook); n != nil {
		rt.manager.OnStatusChange(notify.OnRunFinished(n, logger.Named("notify")))
	}

	if cfg.Runs.EvictionSchedule != "" {
		evictor, err := executor.NewEvictor(rt.manager.Registry(), cfg.Runs.EvictionSchedule,
			cfg.Runs.Retention.Duration, logger.Named("eviction"))
		if err != nil {
			return err
		}
		evictor.Start()
		defer evictor.Stop()
	}

	fmt.Printf("Serving API at http://%s/api\n", addr)
	serveErr := server.Start(ctx)

	// Runs still in flight are recorded as failed
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run manager shutdown incomplete", zap.Error(err))
	}
	return serveErr
}

// notifierFor returns the configured notifier, or nil when none is enabled
func notifierFor(desktop bool, slackWebhook string) notify.Notifier {
	var notifiers []notify.Notifier
	if desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if slackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(slackWebhook))
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notify.NewMultiNotifier(notifiers...)
	}
}
