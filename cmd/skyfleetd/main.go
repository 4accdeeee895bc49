package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"skyfleet/internal/config"
	"skyfleet/internal/daemon"
	"skyfleet/internal/db"
	"skyfleet/internal/events"
	"skyfleet/internal/link"
	"skyfleet/internal/mission"
	"skyfleet/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SKYFLEET_CONFIG"), "YAML config path")
	httpAddr := flag.String("http", "", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite path")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatal(err)
	}
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	bus := events.NewBroadcaster(cfg.EventQueueSize)
	reg := link.NewRegistry(cfg.Slots, logger)
	ing := telemetry.NewIngestor(cfg, reg, bus, store, logger)
	up := mission.NewUploader(cfg, reg, bus, store, logger)

	srv := daemon.NewServer(cfg, store, reg, ing, up, bus, logger)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "skyfleetd: %v\n", err)
	os.Exit(1)
}
