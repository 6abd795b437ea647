// Package agent is the slave side: it registers with the master, sends
// heartbeats, executes assigned tasks one at a time and follows
// coordination signals.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/protocol"
)

type Status string

const (
	StatusRegistering Status = "registering"
	StatusReady       Status = "ready"
	StatusBusy        Status = "busy"
	StatusStopped     Status = "stopped"
)

// finalSendTimeout bounds messages sent while the agent stops.
const finalSendTimeout = 5 * time.Second

type Agent struct {
	id       string
	masterID string
	caps     []string
	cfg      config.AgentConfig
	bus      bus.Transport
	exec     Executor
	sampler  Sampler
	inbox    Inbox

	mu          sync.Mutex
	status      Status
	currentTask string
	paused      bool
	cancelTask  context.CancelFunc
	cancelled   bool
	// leaving is set when the agent stops on its own; the master learns
	// about the aborted task from the unregister signal instead.
	leaving bool
	// startedAt is stamped on first registration. Broadcast signals sent
	// before it were meant for an earlier generation of agents.
	startedAt time.Time

	running  sync.WaitGroup
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func New(cfg config.AgentConfig, masterID string, tr bus.Transport, exec Executor, sampler Sampler) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if masterID == "" {
		return nil, errors.New("master id is required")
	}
	if sampler == nil {
		sampler = StaticSampler{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	caps := slices.Clone(cfg.Capabilities)
	slices.Sort(caps)
	return &Agent{
		id:       cfg.ID,
		masterID: masterID,
		caps:     slices.Compact(caps),
		cfg:      cfg,
		bus:      tr,
		exec:     exec,
		sampler:  sampler,
		status:   StatusRegistering,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

func (a *Agent) ID() string {
	return a.id
}

// Inbox is signalled when new messages may be waiting for the agent.
func (a *Agent) Inbox() chan<- struct{} {
	return a.wake
}

// Done is closed once the agent received a shutdown signal.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask
}

func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Run registers with the master and serves until ctx ends or a shutdown
// signal arrives. On the way out the agent waits for its task to finish
// and, unless the master ordered the stop, unregisters.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	slog.Info("agent started", "agent", a.id, "capabilities", a.caps, "master", a.masterID)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		a.heartbeatLoop(loopCtx)
	}()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.Poll(loopCtx)
serve:
	for {
		select {
		case <-ctx.Done():
			break serve
		case <-a.done:
			break serve
		case <-ticker.C:
		case <-a.wake:
		}
		a.Poll(loopCtx)
	}

	orderly := a.stopped()
	if !orderly {
		a.mu.Lock()
		a.leaving = true
		a.mu.Unlock()
		a.cancelCurrent()
	}
	a.running.Wait()
	cancel()
	loops.Wait()

	a.mu.Lock()
	a.status = StatusStopped
	a.mu.Unlock()

	if !orderly {
		sendCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), finalSendTimeout)
		defer stop()
		if err := a.send(sendCtx, protocol.CoordinationSignal, protocol.CoordinationPayload{
			Signal: protocol.SignalUnregister,
			Reason: "agent stopping",
		}); err != nil {
			slog.Warn("unregister failed", "agent", a.id, "error", err)
		}
	}
	slog.Info("agent stopped", "agent", a.id)
	return nil
}

// Register announces the agent to the master and moves it to ready. The
// task in flight, if any, is announced too.
func (a *Agent) Register(ctx context.Context) error {
	a.mu.Lock()
	current := a.currentTask
	if a.startedAt.IsZero() {
		a.startedAt = a.now().UTC()
	}
	a.mu.Unlock()

	if err := a.send(ctx, protocol.CoordinationSignal, protocol.CoordinationPayload{
		Signal:       protocol.SignalRegister,
		Capabilities: a.caps,
		CurrentTask:  current,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.mu.Lock()
	if a.status == StatusRegistering {
		a.status = StatusReady
	}
	a.mu.Unlock()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.Heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Heartbeat(ctx)
		}
	}
}

// Heartbeat sends one HEALTH_CHECK with a fresh resource sample.
func (a *Agent) Heartbeat(ctx context.Context) {
	u, err := a.sampler.Sample()
	if err != nil {
		slog.Debug("resource sample failed", "agent", a.id, "error", err)
	}

	a.mu.Lock()
	p := protocol.HealthCheckPayload{
		CPU:         u.CPU,
		Memory:      u.Memory,
		Disk:        u.Disk,
		Status:      string(a.status),
		CurrentTask: a.currentTask,
		Timestamp:   a.now().UTC(),
	}
	a.mu.Unlock()

	if err := a.send(ctx, protocol.HealthCheck, p); err != nil {
		slog.Warn("heartbeat failed", "agent", a.id, "error", err)
	}
}

// Poll pulls new messages into the inbox and handles them in order.
// Expired messages are dropped unhandled. It returns the number handled.
func (a *Agent) Poll(ctx context.Context) int {
	msgs, err := a.bus.ReceiveFor(ctx, a.id)
	if err != nil {
		slog.Warn("receive messages failed", "agent", a.id, "error", err)
	}
	a.inbox.Push(msgs...)

	if !a.inbox.TryLock() {
		return 0
	}
	defer a.inbox.Unlock()

	handled := 0
	for {
		msg, ok := a.inbox.Pop()
		if !ok {
			return handled
		}
		if msg.Expired(a.now()) {
			slog.Debug("dropping expired message", "agent", a.id, "id", msg.ID, "type", msg.Type)
			continue
		}
		a.HandleMessage(ctx, msg)
		handled++
	}
}

func (a *Agent) send(ctx context.Context, typ protocol.MessageType, payload any) error {
	msg, err := protocol.NewWithPayload(typ, a.id, a.masterID, payload)
	if err != nil {
		return err
	}
	msg.Timestamp = a.now().UTC()
	return a.bus.Send(ctx, msg)
}

func (a *Agent) stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *Agent) stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// cancelCurrent aborts the running task, if any.
func (a *Agent) cancelCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTask != nil {
		a.cancelled = true
		a.cancelTask()
	}
}
