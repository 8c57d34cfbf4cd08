package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rotator_go/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	configPath := os.Getenv("ROTATOR_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Price Stream (Gateway)
	if bootstrap.Stream != nil {
		if err := bootstrap.Stream.Connect(ctx); err != nil {
			slog.Error("Failed to connect price stream", slog.Any("error", err))
		}
		defer bootstrap.Stream.Disconnect()
		slog.InfoContext(ctx, "✅ Price stream started")
	}

	// 5. Status API
	bootstrap.API.Start()
	slog.InfoContext(ctx, "✅ Status API started", slog.String("addr", bootstrap.Config.API.ListenAddr))

	// 6. Scout-history maintenance
	bootstrap.StartMaintenance()
	defer bootstrap.StopMaintenance()

	slog.InfoContext(ctx, "✨ Rotator fully operational. Press Ctrl+C to exit.")

	// 7. Rotation loop. Blocks until the shutdown signal; an in-flight
	// transition finishes its current exchange call before we return.
	bootstrap.Scheduler.Run(ctx)

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bootstrap.API.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", slog.Any("error", err))
	}
}
