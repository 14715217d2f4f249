// Command awc runs the autonomous work core: the kanban store, the agent
// orchestrator, the heartbeat drivers and the API server, all in one
// long-lived process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arctek/awc"
	"github.com/arctek/awc/agents"
	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/gate"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/internal/web"
)

const shutdownBudget = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "awc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local secrets, if present. Missing file is the normal case.
	_ = godotenv.Load()

	cfg, err := awc.LoadConfig()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if os.Getenv("AWC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer database.Close()

	store := db.NewStore(database)
	if err := store.EnableMemoryMirror(cfg.MemoryDir()); err != nil {
		return fmt.Errorf("enable memory mirror: %w", err)
	}

	hub := bus.NewHub(logger, store)
	defer hub.Close()
	actions := bus.NewRouter(store, store, store, hub, logger)

	spawner := agents.NewSpawner(logger, cfg.AgentTimeout)
	variants := agents.NewRegistry(nil)
	gates := gate.NewRunner(cfg.Gate.Commands(), gate.DefaultCommandTimeout, logger)

	orch := awc.NewOrchestrator(cfg, store, hub, spawner, variants, gates, logger)
	synth := awc.NewSynthesizer(cfg, store, hub, orch, gates, logger)
	daily := awc.NewDaily(cfg, store, orch, logger)

	checklist := awc.NewChecklist(cfg.ChecklistPath(), logger)
	if err := checklist.Watch(); err != nil {
		// Modtime polling covers the unwatched case.
		logger.Warn("Checklist watcher unavailable, falling back to polling", "error", err)
	}

	heartbeat := awc.NewHeartbeat(cfg, store, hub, orch, synth, daily, checklist, logger)
	server := web.NewServer(store, hub, actions, orch, cfg.BearerToken, logger)

	if cfg.BearerToken == "" {
		logger.Warn("AWC_BEARER_TOKEN is not set; the API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go heartbeat.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	logger.Info("awc started", "port", cfg.Port, "dataDir", cfg.DataDir,
		"tick", cfg.TickInterval, "agentVariant", cfg.AgentVariant)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}
	if !orch.Shutdown(shutdownBudget) {
		logger.Warn("Agent supervisors still live at exit")
	}
	return nil
}
