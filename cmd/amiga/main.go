// Package main is the amiga service entry point. One binary runs the whole
// pipeline: the HTTP edge, the per-user queues and classifier, the agent
// worker pool, the hook ingestor and the WebSocket fan-out, over a single
// SQLite store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/config"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/common/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting amiga...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 5. Open storage: SQLite store, session map, cost ledger, worktrees
	storage, err := provideStorage(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close(log)

	// 6. Build services: runner, pool, dispatcher, task manager, orchestrator
	services, err := provideServices(cfg, storage, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}

	// 7. Start background components
	if err := services.Start(ctx, log); err != nil {
		log.Fatal("Failed to start services", zap.Error(err))
	}

	// 8. WebSocket gateway
	gateway := provideGateway(ctx, eventBus, log)

	// 9. HTTP server: REST edge + /ws
	router := newRouter(cfg, log)
	registerRoutes(router, storage, services, gateway, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down amiga...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	gateway.Stop()
	services.Stop(log)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("amiga stopped")
}
