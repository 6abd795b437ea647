// Package registry holds the master's table of slave agents. It is not
// safe for concurrent use; the orchestrator serializes access.
package registry

import (
	"errors"
	"slices"
	"sort"
	"time"
)

var ErrUnknownAgent = errors.New("unknown agent")

type Registry struct {
	agents map[string]*SlaveAgent
	seq    uint64
}

func New() *Registry {
	return &Registry{agents: make(map[string]*SlaveAgent)}
}

// Register adds id or refreshes its capabilities. The agent passes through
// registering and ends ready. If a known agent re-registers while holding
// a task, that task is returned so the caller can reschedule it.
func (r *Registry) Register(id string, capabilities []string, at time.Time) (agent *SlaveAgent, created bool, dropped string) {
	caps := slices.Clone(capabilities)
	slices.Sort(caps)
	caps = slices.Compact(caps)

	a, ok := r.agents[id]
	if !ok {
		r.seq++
		a = &SlaveAgent{
			ID:           id,
			Status:       StatusRegistering,
			HealthScore:  MaxHealth,
			RegisteredAt: at,
			seq:          r.seq,
		}
		r.agents[id] = a
	}
	a.Capabilities = caps
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
	}
	dropped = a.CurrentTask
	a.CurrentTask = ""
	a.FailedAt = time.Time{}
	a.Status = StatusReady
	return a, !ok, dropped
}

func (r *Registry) Unregister(id string) (*SlaveAgent, bool) {
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	return a, ok
}

func (r *Registry) Get(id string) (*SlaveAgent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Available returns schedulable agents accepting taskType, best first:
// highest health, then fewest finished tasks, then registration order.
func (r *Registry) Available(taskType string) []*SlaveAgent {
	var out []*SlaveAgent
	for _, a := range r.agents {
		if a.Schedulable() && a.Accepts(taskType) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		if out[i].Load() != out[j].Load() {
			return out[i].Load() < out[j].Load()
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Select returns the best agent for taskType, or nil.
func (r *Registry) Select(taskType string) *SlaveAgent {
	if avail := r.Available(taskType); len(avail) > 0 {
		return avail[0]
	}
	return nil
}

// Stale returns live agents whose heartbeat is older than timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*SlaveAgent {
	var out []*SlaveAgent
	for _, a := range r.agents {
		if a.Status != StatusFailed && a.Stale(now, timeout) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Cleanup removes agents that have been failed for longer than grace.
func (r *Registry) Cleanup(now time.Time, grace time.Duration) []string {
	var removed []string
	for id, a := range r.agents {
		if a.Status == StatusFailed && now.Sub(a.FailedAt) > grace {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// List returns copies of every agent in registration order.
func (r *Registry) List() []SlaveAgent {
	out := make([]SlaveAgent, 0, len(r.agents))
	for _, a := range r.agents {
		c := *a
		c.Capabilities = slices.Clone(a.Capabilities)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

func (r *Registry) Len() int {
	return len(r.agents)
}
