package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/drover/internal/agent"
	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/container"
	"github.com/mtzanidakis/drover/internal/store"
)

// openBackend returns the durable bus backend named by the config, or nil
// for "none". The sqlite backend needs st.
func openBackend(ctx context.Context, cfg *config.Config, st *store.Store) (bus.Backend, error) {
	switch cfg.Bus.Backend {
	case "sqlite":
		if st == nil {
			return nil, fmt.Errorf("sqlite bus backend requires the store")
		}
		return bus.NewSQLiteBackend(st), nil
	case "redis":
		rb, err := bus.NewRedisBackend(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return rb, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown bus backend: %s", cfg.Bus.Backend)
}

// newExecutor builds the task executor for one agent. The returned func
// releases whatever the executor holds.
func newExecutor(ctx context.Context, cfg *config.Config, agentID string) (agent.Executor, func(), error) {
	if cfg.Agent.Executor != "docker" {
		return agent.NewCommandExecutor(cfg.Executor), func() {}, nil
	}

	exec, err := container.NewExecutor(cfg.Executor, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("docker executor: %w", err)
	}
	if err := exec.CleanupStale(ctx); err != nil {
		slog.Warn("cleanup stale task containers failed", "agent", agentID, "error", err)
	}
	return exec, func() {
		if n := exec.ActiveCount(); n > 0 {
			slog.Warn("closing executor with task containers still running", "agent", agentID, "containers", n)
		}
		if err := exec.Close(); err != nil {
			slog.Warn("close docker client failed", "agent", agentID, "error", err)
		}
	}, nil
}

// newSampler prefers live host usage and falls back to a static zero sample
// where /proc is unavailable.
func newSampler(cfg *config.Config) agent.Sampler {
	s, err := agent.NewProcSampler(cfg.Executor.Workdir)
	if err != nil {
		slog.Warn("resource sampling unavailable, reporting zero usage", "error", err)
		return agent.StaticSampler{}
	}
	return s
}
