package orchestrator

import (
	"slices"
	"time"

	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/registry"
	"github.com/mtzanidakis/drover/internal/tasks"
)

// Snapshot is a point-in-time copy of the master's state.
type Snapshot struct {
	MasterID    string                `json:"master_id"`
	Accepting   bool                  `json:"accepting"`
	Paused      bool                  `json:"paused"`
	Agents      []registry.SlaveAgent `json:"agents"`
	Assignments map[string]string     `json:"task_assignments"`
	Tasks       []tasks.View          `json:"tasks"`
	Pending     int                   `json:"pending_messages"`
	Hints       []Hint                `json:"hints,omitempty"`
	Time        time.Time             `json:"time"`
}

type pendingCounter interface {
	Pending() int
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{
		MasterID:    o.cfg.MasterID,
		Accepting:   o.accepting,
		Paused:      o.paused,
		Agents:      o.registry.List(),
		Assignments: make(map[string]string, len(o.assignments)),
		Hints:       append([]Hint(nil), o.hints...),
		Time:        o.now().UTC(),
	}
	for t, a := range o.assignments {
		s.Assignments[t] = a
	}
	o.mu.Unlock()

	s.Tasks = o.tasks.List()
	if pc, ok := o.bus.(pendingCounter); ok {
		s.Pending = pc.Pending()
	}
	return s
}

// Agents returns copies of every registered agent.
func (o *Orchestrator) Agents() []registry.SlaveAgent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.List()
}

// Agent returns a copy of one agent.
func (o *Orchestrator) Agent(id string) (registry.SlaveAgent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.registry.Get(id)
	if !ok {
		return registry.SlaveAgent{}, false
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return c, true
}

// Assignment returns the agent holding taskID.
func (o *Orchestrator) Assignment(taskID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.assignments[taskID]
	return id, ok
}

// Status summarizes counts for dashboards.
func (o *Orchestrator) Status() events.Status {
	o.mu.Lock()
	st := events.Status{
		MasterID:  o.cfg.MasterID,
		Accepting: o.accepting && !o.paused,
		Agents:    make(map[string]int),
		Tasks:     make(map[string]int),
		Time:      o.now().UTC(),
	}
	for s, n := range o.registry.Counts() {
		st.Agents[string(s)] = n
	}
	o.mu.Unlock()

	for s, n := range o.tasks.Counts() {
		st.Tasks[string(s)] = n
	}
	if pc, ok := o.bus.(pendingCounter); ok {
		st.Pending = pc.Pending()
		o.metrics.BusPending.Set(float64(st.Pending))
	}
	return st
}

// PublishStatus pushes the current summary to the event publisher.
func (o *Orchestrator) PublishStatus() {
	o.pub.Status(o.Status())
}
