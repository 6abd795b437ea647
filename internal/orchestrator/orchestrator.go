// Package orchestrator is the master: it owns the agent registry and the
// task assignment map, schedules queued tasks onto agents and reacts to
// the messages agents send back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/metrics"
	"github.com/mtzanidakis/drover/internal/protocol"
	"github.com/mtzanidakis/drover/internal/registry"
	"github.com/mtzanidakis/drover/internal/tasks"
)

var (
	ErrNoAgentAvailable = errors.New("no agent available")
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	ErrNotAccepting     = errors.New("orchestrator is not accepting tasks")
	ErrPoolFull         = errors.New("agent pool is full")
)

type Orchestrator struct {
	cfg     config.OrchestratorConfig
	bus     bus.Transport
	tasks   *tasks.Manager
	pub     events.Publisher
	metrics *metrics.Metrics

	// mu guards everything below. Bus I/O never happens while it is held.
	mu          sync.Mutex
	registry    *registry.Registry
	assignments map[string]string // task id -> agent id
	accepting   bool
	paused      bool
	hints       []Hint

	wake chan struct{}
	now  func() time.Time
}

func New(cfg config.OrchestratorConfig, tr bus.Transport, tm *tasks.Manager, pub events.Publisher, m *metrics.Metrics) *Orchestrator {
	if pub == nil {
		pub = events.Nop{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Orchestrator{
		cfg:         cfg,
		bus:         tr,
		tasks:       tm,
		pub:         pub,
		metrics:     m,
		registry:    registry.New(),
		assignments: make(map[string]string),
		accepting:   true,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// ID is the master id agents address.
func (o *Orchestrator) ID() string {
	return o.cfg.MasterID
}

// Tasks exposes the task manager for read paths.
func (o *Orchestrator) Tasks() *tasks.Manager {
	return o.tasks
}

// Inbox is signalled when new messages may be waiting for the master.
func (o *Orchestrator) Inbox() chan<- struct{} {
	return o.wake
}

func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// RegisterSlaveAgent adds an agent or refreshes a known one's
// capabilities. The agent ends up ready.
func (o *Orchestrator) RegisterSlaveAgent(id string, capabilities []string) error {
	return o.register(id, capabilities, o.now().UTC(), "")
}

func (o *Orchestrator) register(id string, capabilities []string, at time.Time, inFlight string) error {
	if id == "" {
		return fmt.Errorf("%w: agent id is required", protocol.ErrInvalidMessage)
	}

	o.mu.Lock()
	if _, known := o.registry.Get(id); !known && o.cfg.MaxSlaveAgents > 0 && o.registry.Len() >= o.cfg.MaxSlaveAgents {
		o.mu.Unlock()
		slog.Warn("agent registration refused, pool full", "agent", id, "max", o.cfg.MaxSlaveAgents)
		return ErrPoolFull
	}

	a, created, dropped := o.registry.Register(id, capabilities, at)
	var taskEvents []events.TaskEvent
	if dropped != "" && dropped != inFlight && o.assignments[dropped] == id {
		// The agent restarted and lost its task.
		delete(o.assignments, dropped)
		taskEvents = append(taskEvents, o.failTaskLocked(dropped, id, fmt.Sprintf("agent %s re-registered", id)))
	}
	if inFlight != "" {
		if o.adoptLocked(a, inFlight) {
			taskEvents = append(taskEvents, o.taskEventLocked(inFlight))
		}
	}
	agentEvent := agentEventOf(a, "registered")
	o.refreshGaugesLocked()
	o.mu.Unlock()

	if created {
		slog.Info("agent registered", "agent", id, "capabilities", capabilities)
	} else {
		slog.Info("agent re-registered", "agent", id, "capabilities", capabilities)
	}
	o.pub.Agent(agentEvent)
	for _, e := range taskEvents {
		o.pub.Task(e)
	}
	o.Wake()
	return nil
}

// adoptLocked takes over a task an agent reports as already running,
// which happens when the master restarted underneath it. It reports
// whether a new assignment was recorded. A task that cannot be adopted
// leaves the agent occupied until it reports idle.
func (o *Orchestrator) adoptLocked(a *registry.SlaveAgent, taskID string) bool {
	if holder, ok := o.assignments[taskID]; ok {
		if holder == a.ID {
			a.Assign(taskID)
		} else {
			slog.Warn("agent reports a task held by another agent", "task", taskID, "agent", a.ID, "holder", holder)
			a.Occupy()
		}
		return false
	}
	v, ok := o.tasks.Get(taskID)
	if !ok || v.Status != tasks.StatusQueued {
		slog.Warn("agent reports a task that cannot be adopted", "task", taskID, "agent", a.ID)
		a.Occupy()
		return false
	}
	if err := o.tasks.MarkRunning(taskID, a.ID); err != nil {
		slog.Warn("adopt task failed", "task", taskID, "agent", a.ID, "error", err)
		a.Occupy()
		return false
	}
	a.Assign(taskID)
	o.assignments[taskID] = a.ID
	slog.Info("adopted in-flight task", "task", taskID, "agent", a.ID)
	return true
}

// UnregisterSlaveAgent removes an agent. A task it held goes back to the
// queue without charging a retry.
func (o *Orchestrator) UnregisterSlaveAgent(id string) error {
	o.mu.Lock()
	a, ok := o.registry.Unregister(id)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	var taskEvent *events.TaskEvent
	if held := a.CurrentTask; held != "" && o.assignments[held] == id {
		delete(o.assignments, held)
		if err := o.tasks.Requeue(held); err != nil {
			slog.Warn("requeue task failed", "task", held, "error", err)
		}
		e := o.taskEventLocked(held)
		taskEvent = &e
	}
	o.metrics.AgentHealth.DeleteLabelValues(id)
	o.refreshGaugesLocked()
	o.mu.Unlock()

	slog.Info("agent unregistered", "agent", id)
	o.pub.Agent(events.AgentEvent{AgentID: id, Status: "unregistered", Time: o.now().UTC()})
	if taskEvent != nil {
		o.pub.Task(*taskEvent)
	}
	o.Wake()
	return nil
}

// Submit validates and enqueues a task.
func (o *Orchestrator) Submit(t tasks.Task) (tasks.View, error) {
	o.mu.Lock()
	accepting := o.accepting
	o.mu.Unlock()
	if !accepting {
		return tasks.View{}, ErrNotAccepting
	}

	v, err := o.tasks.Enqueue(t)
	if err != nil {
		return tasks.View{}, err
	}
	o.pub.Task(events.TaskEvent{TaskID: v.ID, Status: string(v.Status), Time: o.now().UTC()})
	o.Wake()
	return v, nil
}

// AssignTaskToAgent hands a queued task to the best available agent and
// returns the agent id. ErrNoAgentAvailable and ErrConcurrencyLimit leave
// the task queued for a later attempt.
func (o *Orchestrator) AssignTaskToAgent(ctx context.Context, taskID string) (string, error) {
	o.mu.Lock()
	if !o.accepting || o.paused {
		o.mu.Unlock()
		return "", ErrNotAccepting
	}
	v, ok := o.tasks.Get(taskID)
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", tasks.ErrUnknownTask, taskID)
	}
	if v.Status != tasks.StatusQueued {
		o.mu.Unlock()
		return "", fmt.Errorf("task %s is %s, not queued", taskID, v.Status)
	}
	if o.cfg.MaxConcurrent > 0 && len(o.assignments) >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return "", ErrConcurrencyLimit
	}
	a := o.registry.Select(v.Type)
	if a == nil {
		o.mu.Unlock()
		return "", ErrNoAgentAvailable
	}
	if err := o.tasks.MarkRunning(taskID, a.ID); err != nil {
		o.mu.Unlock()
		return "", err
	}
	a.Assign(taskID)
	o.assignments[taskID] = a.ID
	agentID := a.ID
	o.refreshGaugesLocked()
	o.mu.Unlock()

	err := o.send(ctx, protocol.TaskAssignment, agentID, protocol.TaskAssignmentPayload{
		TaskID:      v.ID,
		Type:        v.Type,
		Priority:    string(v.Priority),
		Description: v.Description,
		FilePattern: v.FilePattern,
		RetryCount:  v.RetryCount,
	})
	if err != nil {
		o.rollback(taskID, agentID)
		return "", fmt.Errorf("send assignment: %w", err)
	}

	slog.Info("task assigned", "task", taskID, "agent", agentID, "priority", v.Priority, "retry", v.RetryCount)
	o.metrics.Assignments.WithLabelValues(agentID).Inc()
	o.pub.Task(events.TaskEvent{TaskID: taskID, AgentID: agentID, Status: string(tasks.StatusRunning), Retry: v.RetryCount, Time: o.now().UTC()})
	return agentID, nil
}

// rollback undoes an assignment whose message could not be sent.
func (o *Orchestrator) rollback(taskID, agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.assignments[taskID] != agentID {
		return
	}
	delete(o.assignments, taskID)
	if a, ok := o.registry.Get(agentID); ok && a.CurrentTask == taskID {
		a.Release()
	}
	if err := o.tasks.Requeue(taskID); err != nil {
		slog.Warn("requeue task failed", "task", taskID, "error", err)
	}
	o.refreshGaugesLocked()
}

// Schedule assigns ready tasks in priority order until agents or the
// concurrency limit run out. It returns the number of assignments made.
func (o *Orchestrator) Schedule(ctx context.Context) int {
	assigned := 0
	for _, v := range o.tasks.Ready() {
		_, err := o.AssignTaskToAgent(ctx, v.ID)
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, ErrNoAgentAvailable):
			// Another task type may still have a free agent.
			continue
		case errors.Is(err, ErrConcurrencyLimit), errors.Is(err, ErrNotAccepting):
			return assigned
		default:
			slog.Warn("assign task failed", "task", v.ID, "error", err)
		}
	}
	return assigned
}

func (o *Orchestrator) send(ctx context.Context, typ protocol.MessageType, recipient string, payload any) error {
	msg, err := protocol.NewWithPayload(typ, o.cfg.MasterID, recipient, payload)
	if err != nil {
		return err
	}
	return o.bus.Send(ctx, msg)
}

// failTaskLocked applies the retry policy to a task whose agent is gone.
func (o *Orchestrator) failTaskLocked(taskID, agentID, reason string) events.TaskEvent {
	requeued, err := o.tasks.MarkFailed(taskID, reason)
	if err != nil {
		slog.Warn("fail task failed", "task", taskID, "error", err)
	}
	if requeued {
		o.metrics.Retries.Inc()
		o.metrics.Failures.WithLabelValues("retry").Inc()
	} else {
		o.metrics.Failures.WithLabelValues("terminal").Inc()
	}
	e := o.taskEventLocked(taskID)
	e.AgentID = agentID
	return e
}

func (o *Orchestrator) taskEventLocked(taskID string) events.TaskEvent {
	v, _ := o.tasks.Get(taskID)
	return events.TaskEvent{
		TaskID:   taskID,
		AgentID:  v.AgentID,
		Status:   string(v.Status),
		Progress: v.Progress,
		Step:     v.CurrentStep,
		Error:    v.Error,
		Retry:    v.RetryCount,
		Terminal: v.Status == tasks.StatusFailed || v.Status == tasks.StatusBlocked,
		Time:     o.now().UTC(),
	}
}

func agentEventOf(a *registry.SlaveAgent, reason string) events.AgentEvent {
	return events.AgentEvent{
		AgentID:     a.ID,
		Status:      string(a.Status),
		HealthScore: a.HealthScore,
		CurrentTask: a.CurrentTask,
		Reason:      reason,
		Time:        time.Now().UTC(),
	}
}

func (o *Orchestrator) refreshGaugesLocked() {
	counts := o.registry.Counts()
	for _, s := range []registry.Status{registry.StatusRegistering, registry.StatusReady, registry.StatusBusy, registry.StatusOccupied, registry.StatusFailed} {
		o.metrics.AgentsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	o.metrics.RunningTasks.Set(float64(len(o.assignments)))
}
