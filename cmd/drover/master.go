package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/drover/internal/agent"
	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/metrics"
	"github.com/mtzanidakis/drover/internal/natsbus"
	"github.com/mtzanidakis/drover/internal/orchestrator"
	"github.com/mtzanidakis/drover/internal/scheduler"
	"github.com/mtzanidakis/drover/internal/store"
	"github.com/mtzanidakis/drover/internal/tasks"
	"github.com/mtzanidakis/drover/internal/telegram"
	"github.com/mtzanidakis/drover/internal/web"
)

// localStopTimeout bounds how long in-process agents get to act on the
// shutdown broadcast before their context is cancelled.
const localStopTimeout = 10 * time.Second

func runMaster() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	defer nb.Close()

	nc, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer nc.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	backend, err := openBackend(runCtx, cfg, db)
	if err != nil {
		return fmt.Errorf("open bus backend: %w", err)
	}
	adapter := bus.NewAdapter(backend, bus.Options{
		QueuePath:     cfg.Bus.QueuePath,
		SweepInterval: cfg.Bus.SweepInterval,
		ReplayRate:    cfg.Bus.ReplayRate,
		Notifier:      nc,
		Metrics:       m,
	})
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Error("close bus adapter", "error", err)
		}
	}()

	if n, err := adapter.PurgeBroadcasts(runCtx, cfg.Orchestrator.MasterID); err != nil {
		slog.Warn("purge stale broadcasts failed", "error", err)
	} else if n > 0 {
		slog.Info("purged broadcasts from a previous run", "count", n)
	}

	tm := tasks.NewManager(cfg.Tasks.Dir, cfg.Tasks.MaxRetries)

	pubs := events.Multi{natsbus.NewPublisher(nc), events.NewHistory(db)}
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		pubs = append(pubs, bot)
	}

	orch := orchestrator.New(cfg.Orchestrator, adapter, tm, pubs, m)

	unwatch, err := nc.WatchInbox(orch.ID(), orch.Inbox())
	if err != nil {
		return fmt.Errorf("watch master inbox: %w", err)
	}
	defer unwatch()

	ipcSub, err := orch.ServeIPC(runCtx, nc)
	if err != nil {
		return fmt.Errorf("serve ipc: %w", err)
	}
	defer func() { _ = ipcSub.Unsubscribe() }()

	sched, err := scheduler.New(orch, pubs, cfg.Scheduler, cfg.Recurring)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		adapter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		orch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	if bot != nil {
		g.Go(func() error {
			if err := bot.Start(gctx, orch); err != nil {
				slog.Error("telegram bot stopped", "error", err)
			}
			return nil
		})
	}
	if cfg.Web.Enabled {
		srv := web.NewServer(orch, web.Deps{
			Store:     db,
			NATS:      nc,
			Scheduler: sched,
			Gatherer:  reg,
		}, cfg.Web, version)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
	}

	pool := agent.NewPool()
	var closers []func()
	for i := range cfg.Agent.Local {
		acfg := cfg.Agent
		acfg.ID = fmt.Sprintf("%s-local-%d", orch.ID(), i+1)

		exec, closeExec, err := newExecutor(runCtx, cfg, acfg.ID)
		if err != nil {
			return err
		}
		closers = append(closers, closeExec)

		a, err := agent.New(acfg, orch.ID(), adapter, exec, newSampler(cfg))
		if err != nil {
			return fmt.Errorf("local agent %s: %w", acfg.ID, err)
		}
		unwatchAgent, err := nc.WatchInbox(a.ID(), a.Inbox())
		if err != nil {
			return fmt.Errorf("watch inbox of %s: %w", a.ID(), err)
		}
		defer unwatchAgent()
		pool.Start(runCtx, a)
	}

	slog.Info("drover master started",
		"version", version,
		"master", orch.ID(),
		"bus", cfg.Bus.Backend,
		"nats", nb.ClientURL(),
		"local_agents", cfg.Agent.Local,
		"recurring", len(cfg.Recurring),
	)

	select {
	case <-sigCtx.Done():
		slog.Info("shutting down")
	case <-gctx.Done():
		slog.Error("a master component stopped, shutting down")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Orchestrator.DrainTimeout+5*time.Second)
	if err := orch.Shutdown(drainCtx); err != nil {
		slog.Error("broadcast shutdown failed", "error", err)
	}
	cancelDrain()

	if !waitTimeout(pool.Wait, localStopTimeout) {
		slog.Warn("local agents did not stop in time")
	}
	cancel()
	pool.Wait()
	for _, sess := range pool.List() {
		if sess.Error != "" {
			slog.Warn("local agent exited with error", "agent", sess.AgentID, "error", sess.Error)
		}
	}
	for _, c := range closers {
		c()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("drover master stopped")
	return nil
}

// waitTimeout runs wait and reports whether it returned within d.
func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
