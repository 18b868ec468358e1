package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/inkdash/inkdash/pkg/config"
	"github.com/inkdash/inkdash/pkg/db"
	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/handler"
	"github.com/inkdash/inkdash/pkg/service"
	"github.com/inkdash/inkdash/pkg/service/browser"
	"github.com/inkdash/inkdash/pkg/service/eink"
	"github.com/inkdash/inkdash/pkg/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	webhookTimeout  = 30 * time.Second
	redisImageTTL   = 24 * time.Hour
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to read .env", "error", err)
	}

	// Initialize logging system
	utils.InitLogger()
	logger := utils.GetLogger()

	cfg, cfgPath, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		logger.Error("Invalid environment configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	utils.SetLogLevel(cfg.LogLevel())
	logger.Info("Configuration loaded", "path", cfgPath, "driver", cfg.Driver(), "dashboard", cfg.HomeAssistantURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func newLauncher(cfg *config.AppConfig, logger *slog.Logger) browser.Launcher {
	if cfg.Driver() == config.DriverRod {
		return &browser.RodLauncher{
			ExecPath:  cfg.BrowserExecPath(),
			RemoteURL: cfg.BrowserRemoteURL(),
			Headless:  cfg.Headless(),
			Logger:    logger,
		}
	}
	return &browser.ChromedpLauncher{
		ExecPath:  cfg.BrowserExecPath(),
		RemoteURL: cfg.BrowserRemoteURL(),
		Headless:  cfg.Headless(),
		Logger:    logger,
	}
}

func navigatorConfig(cfg *config.AppConfig) browser.NavigatorConfig {
	w := cfg.WaitTimeouts()
	return browser.NavigatorConfig{
		DashboardURL:      cfg.HomeAssistantURL(),
		NavigationTimeout: cfg.NavigationTimeout(),
		ProtocolTimeout:   cfg.ProtocolTimeout(),
		MinSettle:         cfg.MinSettle(),
		Wait: browser.WaitTimings{
			NetworkIdleTimeout: w.NetworkIdleTimeout,
			NetworkQuiet:       w.NetworkQuiet,
			AppReadyTimeout:    w.AppReadyTimeout,
			LoadingTimeout:     w.LoadingTimeout,
			StabilityTimeout:   w.StabilityTimeout,
			StabilityInterval:  w.StabilityInterval,
			StabilitySamples:   w.StabilitySamples,
			ZoomSettle:         w.ZoomSettle,
			LangSettle:         w.LangSettle,
			ThemeSettle:        w.ThemeSettle,
		},
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	emitter := event.NewEmitter()

	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	history, err := service.NewBrowserHistoryService(gdb, logger)
	if err != nil {
		return err
	}
	defer history.Attach(emitter)()

	session, err := browser.NewSession(newLauncher(cfg, logger), eink.NewProcessor(), browser.SessionConfig{
		AccessToken: cfg.HomeAssistantToken(),
		Navigator:   navigatorConfig(cfg),
	}, logger, emitter)
	if err != nil {
		return err
	}
	health := browser.NewHealthCoordinator(session, browser.HealthConfig{
		FailureThreshold: cfg.FailureThreshold(),
		RecoveryAttempts: cfg.RecoveryAttempts(),
	}, logger, emitter)
	shots := service.NewScreenshotService(session, health, service.ScreenshotConfig{
		IdleTimeout:              cfg.BrowserIdleTimeout(),
		KeepBrowserOpen:          cfg.KeepBrowserOpen(),
		MaxCapturesBeforeRestart: cfg.MaxCapturesBeforeRestart(),
		MaxPendingPreloads:       cfg.MaxPendingPreloads(),
		PreloadMargin:            service.DefaultPreloadMargin,
	}, logger, emitter)

	store, err := service.NewScheduleStore(cfg.DataDir(), logger, emitter)
	if err != nil {
		return err
	}

	var sink service.ImageSink
	if u := cfg.RedisURL(); u != "" {
		rs, err := service.NewRedisSink(u, redisImageTTL)
		if err != nil {
			return err
		}
		defer rs.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable yet, publishing will retry per run", "error", err)
		}
		cancel()
		sink = rs
	}

	executor := service.NewScheduleExecutor(shots, store, service.NewWebhookClient(webhookTimeout, logger), sink, service.ExecutorConfig{
		OutputDir:           cfg.OutputDir(),
		MaxRetries:          cfg.SchedulerMaxRetries(),
		RetryDelay:          cfg.SchedulerRetryDelay(),
		RetentionMultiplier: cfg.RetentionMultiplier(),
	}, logger, emitter)
	scheduler := service.NewScheduler(store, executor, logger)
	store.OnChange(func() {
		if err := scheduler.Reload(); err != nil {
			logger.Warn("Failed to reload schedules", "error", err)
		}
	})

	events := event.NewWSHandler(emitter, logger)
	events.Snapshot = func() event.Event {
		h := shots.Health()
		return event.HealthSnapshotEvent{
			Healthy:    h.Healthy,
			State:      string(h.State),
			Reason:     h.Reason,
			Busy:       h.Busy,
			QueueDepth: h.QueueDepth,
		}
	}

	server := NewServer(ServerOptions{
		Host:         cfg.Host(),
		Port:         cfg.Port(),
		Driver:       cfg.Driver(),
		DashboardURL: cfg.HomeAssistantURL(),
		Handlers: []RouteRegistrar{
			handler.NewScreenshotHandler(shots, logger),
			handler.NewHealthHandler(shots),
			handler.NewScheduleHandler(store, scheduler, logger),
			handler.NewBrowserHandler(history),
		},
		Events: events,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return store.Watch(gctx) })
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shots.Close(shutdownCtx); err != nil {
		logger.Warn("Screenshot service did not close cleanly", "error", err)
	}
	logger.Info("Shutdown complete")
	return runErr
}
