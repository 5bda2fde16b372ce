/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the economy analytics server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open the store (memory, SQLite or PostgreSQL)
  4. Optionally wrap it in the Redis snapshot cache
  5. Create the engine, API handler and router
  6. Optionally start the snapshot warmer
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: ./config.yaml if present)

  Every setting can also come from the environment, e.g.
  ECONOMY_SERVER_PORT=3000 ECONOMY_DATABASE_DRIVER=postgres

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the warmer (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Run with a file database
  ECONOMY_DATABASE_DSN=./data/economy.db ./server

  # Run fully in memory with the demo scenarios
  ECONOMY_DATABASE_DRIVER=memory ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - analytics/engine.go: Engine
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/economy-analytics/analytics"
	"github.com/warp/economy-analytics/analytics/store"
	"github.com/warp/economy-analytics/api"
	"github.com/warp/economy-analytics/config"
	"github.com/warp/economy-analytics/store/rediscache"
	"github.com/warp/economy-analytics/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	configureLogger(logger, cfg)

	// Initialize store
	backing, writer, closer, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer closer.Close()

	var st analytics.Store = backing
	if cfg.Redis.Addr != "" {
		rdb := rediscache.NewClient(context.Background(), rediscache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		defer rdb.Close()
		st = rediscache.New(backing, rdb, cfg.Redis.TTL, logger)
	}

	// Initialize engine and handler
	engine := analytics.NewEngine(st, logger)
	engine.TrendThreshold = cfg.Analytics.TrendThreshold
	engine.Windows = analytics.NewWindowResolver(cfg.Analytics.WindowGranularity)
	if cfg.Analytics.WeeksEnrolled > 0 {
		engine.WeeksEnrolled = cfg.Analytics.WeeksEnrolled
	}

	handler := api.NewHandler(engine, writer, logger)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	var warmer *api.SnapshotWarmer
	if cfg.Warmer.Enabled {
		warmer = api.NewSnapshotWarmer(engine, cfg.Warmer.Schedule, logger)
		if err := warmer.Start(); err != nil {
			logger.Fatalf("Failed to start snapshot warmer: %v", err)
		}
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   cfg.Addr(),
			"driver": cfg.Database.Driver,
			"redis":  cfg.Redis.Addr != "",
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	if warmer != nil {
		warmer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// openStore returns the configured store, its writer for demo scenarios,
// and what to close on shutdown.
func openStore(cfg *config.Config) (analytics.Store, analytics.LedgerWriter, io.Closer, error) {
	if cfg.Database.Driver == "memory" {
		mem := store.NewMemory()
		return mem, mem, io.NopCloser(nil), nil
	}
	db, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return db, db, db, nil
}
