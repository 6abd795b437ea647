package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/mtzanidakis/drover/internal/agent"
	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/natsbus"
	"github.com/mtzanidakis/drover/internal/store"
)

// runAgent serves one slave agent in its own process. It shares the durable
// bus backend with the master; NATS only shortens the poll delay.
func runAgent() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	if cfg.Bus.Backend == "none" {
		return fmt.Errorf("a standalone agent needs a shared bus backend, got %q", cfg.Bus.Backend)
	}
	if cfg.Agent.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "agent"
		}
		cfg.Agent.ID = host + "-" + uuid.New().String()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *store.Store
	if cfg.Bus.Backend == "sqlite" {
		db, err = store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer db.Close()
	}

	backend, err := openBackend(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("open bus backend: %w", err)
	}

	var nc *natsbus.Client
	if cfg.NATS.URL != "" {
		nc, err = natsbus.NewClientFromURL(cfg.NATS.URL)
		if err != nil {
			slog.Warn("nats unavailable, relying on polling", "url", cfg.NATS.URL, "error", err)
		} else {
			defer nc.Close()
		}
	}

	opts := bus.Options{
		QueuePath:     agentQueuePath(cfg),
		SweepInterval: cfg.Bus.SweepInterval,
		ReplayRate:    cfg.Bus.ReplayRate,
	}
	if nc != nil {
		opts.Notifier = nc
	}
	adapter := bus.NewAdapter(backend, opts)
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Error("close bus adapter", "error", err)
		}
	}()
	go adapter.Run(ctx)

	exec, closeExec, err := newExecutor(ctx, cfg, cfg.Agent.ID)
	if err != nil {
		return err
	}
	defer closeExec()

	a, err := agent.New(cfg.Agent, cfg.Orchestrator.MasterID, adapter, exec, newSampler(cfg))
	if err != nil {
		return err
	}
	if nc != nil {
		unwatch, err := nc.WatchInbox(a.ID(), a.Inbox())
		if err != nil {
			return fmt.Errorf("watch inbox: %w", err)
		}
		defer unwatch()
	}

	slog.Info("drover agent started",
		"version", version,
		"agent", a.ID(),
		"master", cfg.Orchestrator.MasterID,
		"capabilities", cfg.Agent.Capabilities,
		"executor", cfg.Agent.Executor,
	)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent %s: %w", a.ID(), err)
	}
	slog.Info("drover agent stopped", "agent", a.ID())
	return nil
}

// agentQueuePath keeps each agent's fallback queue apart from the master's.
func agentQueuePath(cfg *config.Config) string {
	if cfg.Bus.QueuePath == "" {
		return ""
	}
	return strings.TrimSuffix(cfg.Bus.QueuePath, ".json") + "-" + cfg.Agent.ID + ".json"
}
