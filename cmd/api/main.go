package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/api/handlers"
	"github.com/finrag/backend/internal/app"
	"github.com/finrag/backend/internal/metrics"
	"github.com/finrag/backend/internal/middleware/ratelimit"
	"github.com/finrag/backend/internal/middleware/security"
	"github.com/finrag/backend/internal/middleware/validation"
	"github.com/finrag/backend/pkg/config"
	appLogger "github.com/finrag/backend/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	store, err := config.NewStore(*configFile, nil)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Current().Config

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	log := appLogger.GetLogger()

	appLogger.Info("Starting financial RAG API server",
		zap.Uint64("config_version", store.Current().Version),
		zap.String("config_source", store.Current().Source),
	)

	metrics.Init()

	if err := store.Watch(); err != nil {
		appLogger.Warn("Config hot reload disabled", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.Build(ctx, store, log)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize backends", zap.Error(err))
	}

	fiberApp := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            log,
	})
	defer limiter.Stop()

	fiberApp.Use(recover.New())
	fiberApp.Use(requestid.New())
	fiberApp.Use(logger.New())
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	fiberApp.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	// Cancelled on shutdown so queries still running after the grace period stop.
	serving, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	queryTimeout := time.Duration(cfg.Server.QueryTimeoutSec) * time.Second
	queryHandler := handlers.NewQueryHandler(serving, a.Engine, a.SQLite, queryTimeout, log)
	wsHandler := handlers.NewWebSocketHandler(serving, a.Engine, queryTimeout, log)
	healthHandler := handlers.NewHealthHandler(store, log)
	for name, check := range a.Checks() {
		healthHandler.Register(name, check)
	}

	fiberApp.Get("/metrics", metrics.MetricsHandler())

	api := fiberApp.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	limited := api.Group("", limiter.Middleware(), validation.Middleware(validation.Config{Logger: log}))
	limited.Post("/query", queryHandler.HandleQuery)
	limited.Get("/query/history", queryHandler.GetQueryHistory)
	limited.Get("/query/:id/citations", queryHandler.GetQueryCitations)

	fiberApp.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	fiberApp.Get("/ws", limiter.Middleware(), websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := fiberApp.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := fiberApp.ShutdownWithTimeout(15 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	stopServing()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	a.Close(closeCtx)
	appLogger.Info("Server stopped")
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}
