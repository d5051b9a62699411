package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/config"
	"github.com/noahxzhu/local-notify/internal/delivery"
	"github.com/noahxzhu/local-notify/internal/host"
	"github.com/noahxzhu/local-notify/internal/housekeeping"
	"github.com/noahxzhu/local-notify/internal/logging"
	"github.com/noahxzhu/local-notify/internal/model"
	"github.com/noahxzhu/local-notify/internal/prompt"
	"github.com/noahxzhu/local-notify/internal/scheduler"
	"github.com/noahxzhu/local-notify/internal/storage"
	"github.com/noahxzhu/local-notify/internal/web"
	"github.com/noahxzhu/local-notify/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	flag.Parse()

	// Load Config
	cfg, loader, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout)
	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Error().Err(err).Msg("config reload rejected")
			return
		}
		logging.SetLevel(next.Log.Level)
		logger.Info().Str("level", next.Log.Level).Msg("config reloaded")
	})

	// Init Storage
	store, err := storage.Open(storage.Config{
		Driver:     cfg.Storage.Driver,
		FilePath:   cfg.Storage.FilePath,
		SQLitePath: cfg.Storage.SQLitePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	// Init Delivery
	deliverer, err := delivery.New(delivery.Config{
		Driver: cfg.Delivery.Driver,
		Pushover: delivery.PushoverConfig{
			Token:    cfg.Delivery.Pushover.Token,
			User:     cfg.Delivery.Pushover.User,
			Endpoint: cfg.Delivery.Pushover.Endpoint,
		},
		Telegram: delivery.TelegramConfig{
			Token:  cfg.Delivery.Telegram.Token,
			ChatID: cfg.Delivery.Telegram.ChatID,
		},
	}, logging.Component(logger, "delivery"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init delivery")
	}

	// Init Host
	prompter, prompts := newPrompter(cfg.Host.PermissionPrompt, cfg.Host.PromptTimeout)

	h := host.New(store, deliverer, prompter, host.Options{
		RequireChannel: cfg.Host.RequireChannel,
		QuotaPerMinute: cfg.Host.QuotaPerMinute,
	}, logging.Component(logger, "host"))

	// One-time process initialization: presentation policy and channel.
	h.SetPresentationPolicy(model.PresentationPolicy{
		ShowAlert: cfg.Presentation.ShowAlert,
		PlaySound: cfg.Presentation.PlaySound,
		SetBadge:  cfg.Presentation.SetBadge,
	})
	if err := h.ConfigureChannel(context.Background(), model.Channel{
		ID:         cfg.Channel.ID,
		Name:       cfg.Channel.Name,
		Importance: model.Importance(cfg.Channel.Importance),
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to configure channel")
	}

	// Init Worker
	w := worker.NewWorker(store, h, worker.Options{
		MaxAttempts:   cfg.Host.MaxAttempts,
		RetryInterval: cfg.Host.RetryInterval,
	}, logging.Component(logger, "worker"))
	h.OnScheduled(w.Refresh)
	w.SetOnUpdate(func() {
		logger.Debug().Int("badge", h.Badge()).Msg("notifications updated")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start Worker
	go w.Start(ctx)

	// Init Screens
	variant, err := scheduler.ParseVariant(cfg.Scheduler.Variant)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid scheduler variant")
	}
	schedLog := logging.Component(logger, "scheduler")
	screens := web.NewScreens(func() *scheduler.Scheduler {
		return scheduler.New(h, scheduler.Options{
			Variant:    variant,
			Delay:      cfg.Scheduler.Delay,
			Countdown:  cfg.Scheduler.Countdown,
			Tick:       cfg.Scheduler.Tick,
			ResetAfter: cfg.Scheduler.ResetAfter,
			Template: model.ScheduleRequest{
				Title:     cfg.Scheduler.Title,
				Body:      cfg.Scheduler.Body,
				Sound:     cfg.Scheduler.Sound,
				ChannelID: cfg.Channel.ID,
			},
		}, schedLog)
	}, cfg.Web.ScreenTTL, logging.Component(logger, "screens"))

	// Init Housekeeping
	jobs := housekeeping.New(logging.Component(logger, "housekeeping"), time.Minute)
	if err := jobs.Add("prune-notifications", cfg.Host.PruneSpec, func(ctx context.Context) error {
		_, err := h.Prune(ctx, cfg.Host.Retention)
		return err
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule pruning")
	}
	if err := jobs.Add("screen-janitor", cfg.Web.JanitorSpec, func(context.Context) error {
		screens.Sweep()
		return nil
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule janitor")
	}
	jobs.Start()

	// Init Web Server
	srv := web.NewServer(h, prompts, screens, logging.Component(logger, "web"))
	httpServer := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP Server
	go func() {
		logger.Info().
			Str("port", cfg.Server.Port).
			Str("url", "http://localhost"+cfg.Server.Port).
			Str("variant", string(variant)).
			Str("delivery", deliverer.Name()).
			Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("sd_notify failed")
	} else if ok {
		logger.Debug().Msg("notified systemd")
	}

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	screens.CloseAll()
	jobs.Stop()
	cancel() // Stop worker

	logger.Info().Msg("server exited")
}

// newPrompter picks how the permission dialog is answered. Only the web
// broker exposes pending prompts to the pages.
func newPrompter(mode string, timeout time.Duration) (host.Prompter, web.Prompts) {
	switch mode {
	case "grant":
		return prompt.Static{Answer: model.PermissionGranted}, nil
	case "deny":
		return prompt.Static{Answer: model.PermissionDenied}, nil
	default:
		broker := prompt.NewBroker(timeout)
		return broker, broker
	}
}
