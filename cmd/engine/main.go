/*
main.go - Service entry point

PURPOSE:
  Initializes and runs the points redemption engine: durable store,
  engine, and (when enabled) the RabbitMQ adjustment feed consumer.
  Route-handling collaborators embed the engine package directly; this
  binary exists to run the feed consumer against a shared database.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load YAML config with environment overrides
  3. Open the SQLite store
  4. Build the engine
  5. Start the feed consumer (if enabled) with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to the YAML config file (optional)
  -db      SQLite database path (overrides config)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  DB_PATH, LOG_LEVEL, ADJUSTMENT_MODE, FEED_URL, FEED_QUEUE,
  FEED_ENABLED override the file values.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the consumer stops taking deliveries, in-flight
  batches finish, and the store is closed.

SEE ALSO:
  - config:        file format and defaults
  - feed:          the consumer this binary runs
  - store/sqlite:  database implementation
*/
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/config"
	"github.com/warp/redemption-engine/engine"
	"github.com/warp/redemption-engine/feed"
	"github.com/warp/redemption-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := sqlite.New(cfg.DBPath, time.Duration(cfg.LockWait))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	eng := engine.New(store, log, engine.WithAdjustmentMode(cfg.Mode()))

	log.WithFields(logrus.Fields{
		"db":   cfg.DBPath,
		"mode": cfg.AdjustmentMode,
	}).Info("redemption engine ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Feed.Enabled {
		log.Info("feed consumer disabled, waiting for shutdown signal")
		<-ctx.Done()
		log.Info("shutting down")
		return
	}

	consumer, err := feed.New(feed.Config{
		URL:      cfg.Feed.URL,
		Queue:    cfg.Feed.Queue,
		Prefetch: cfg.Feed.Prefetch,
		Workers:  cfg.Feed.Workers,
	}, log, eng)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize feed consumer")
	}
	defer consumer.Close()

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("feed consumer stopped unexpectedly")
	}

	log.Info("graceful shutdown complete")
}
