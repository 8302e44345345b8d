package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"speedwatch/internal/adaptive"
	"speedwatch/internal/config"
	"speedwatch/internal/database"
	"speedwatch/internal/events"
	"speedwatch/internal/models"
	"speedwatch/internal/scheduler"
	"speedwatch/internal/speedtest"
	"speedwatch/internal/stability"
	"speedwatch/internal/web"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		slog.Error("failed to initialize database schema", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()

	runner := speedtest.New(cfg.SpeedtestPath, cfg.DownloadThresholdMbps, cfg.UploadThresholdMbps)
	runner.SetProgressFunc(func(p models.Progress) {
		bus.Publish(models.NewEvent(models.EventProgress, map[string]any{
			"stage":   p.Stage,
			"percent": p.Percent,
			"mbps":    p.Mbps,
		}))
	})

	sched := scheduler.New(runner, bus, db, cfg.ServerID)
	analyzer := stability.NewAnalyzer(cfg.StabilityWindowSize)
	ctrl := adaptive.New(cfg, analyzer, bus, sched)
	sched.SetCompletionHook(ctrl)

	webServer := web.New(db, sched, ctrl, bus, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go db.Maintain(ctx, cfg.RetentionDays)

	go func() {
		if err := webServer.Start(); err != nil {
			slog.Error("web server failed", "error", err)
			os.Exit(1)
		}
	}()

	sched.Start(cfg.IntervalMinutes)
	slog.Info("speedwatch started",
		"interval_minutes", cfg.IntervalMinutes,
		"smart_enabled", cfg.SmartEnabled,
		"port", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		slog.Error("web server shutdown failed", "error", err)
	}
}
