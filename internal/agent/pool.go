package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session tracks one agent the master runs in-process.
type Session struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Pool runs local agents and remembers how each one ended.
type Pool struct {
	sessions map[string]*Session // agentID → session
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

func NewPool() *Pool {
	return &Pool{
		sessions: make(map[string]*Session),
	}
}

// Start runs a until ctx ends or it is told to shut down.
func (p *Pool) Start(ctx context.Context, a *Agent) {
	p.mu.Lock()
	p.sessions[a.ID()] = &Session{AgentID: a.ID(), Status: "running", StartedAt: time.Now()}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := a.Run(ctx)

		p.mu.Lock()
		defer p.mu.Unlock()
		s := p.sessions[a.ID()]
		s.Status = "exited"
		s.StoppedAt = time.Now()
		if err != nil {
			s.Error = err.Error()
		}
	}()
}

func (p *Pool) Get(agentID string) (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[agentID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (p *Pool) List() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Wait blocks until every started agent has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
