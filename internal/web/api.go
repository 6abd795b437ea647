package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/drover/internal/orchestrator"
	"github.com/mtzanidakis/drover/internal/registry"
	"github.com/mtzanidakis/drover/internal/scheduler"
	"github.com/mtzanidakis/drover/internal/store"
	"github.com/mtzanidakis/drover/internal/tasks"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.deleteAgent)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.getTaskEvents)
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("GET /api/plan", s.getPlan)
	mux.HandleFunc("GET /api/recurring", s.listRecurring)

	// Control
	mux.HandleFunc("POST /api/pause", s.pause)
	mux.HandleFunc("POST /api/resume", s.resume)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/snapshot", s.getSnapshot)
	mux.HandleFunc("GET /api/hints", s.listHints)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.orch.Agents()
	if agents == nil {
		agents = []registry.SlaveAgent{}
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.orch.Agent(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.UnregisterSlaveAgent(r.PathValue("id")); err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(r.URL.Query().Get("status"))
	out := make([]tasks.View, 0)
	for _, v := range s.orch.Tasks().List() {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	jsonResponse(w, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	v, err := s.orch.Submit(body.Task())
	if err != nil {
		jsonError(w, err.Error(), submitStatus(err))
		return
	}
	w.Header().Set("Location", "/api/tasks/"+v.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrInvalidTask), errors.Is(err, tasks.ErrCycle):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotAccepting):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	v, ok := s.orch.Tasks().Get(r.PathValue("id"))
	if !ok {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, v)
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.orch.Tasks().Get(id); !ok {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	if s.deps.Store == nil {
		jsonResponse(w, []store.TaskEvent{})
		return
	}
	evs, err := s.deps.Store.GetTaskEvents(id, 200)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []store.TaskEvent{}
	}
	jsonResponse(w, evs)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonResponse(w, []store.TaskEvent{})
		return
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	evs, err := s.deps.Store.GetRecentTaskEvents(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []store.TaskEvent{}
	}
	jsonResponse(w, evs)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.orch.Tasks().Tiers()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tiers == nil {
		tiers = [][]string{}
	}
	jsonResponse(w, map[string]any{"tiers": tiers})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		jsonResponse(w, []scheduler.Entry{})
		return
	}
	jsonResponse(w, s.deps.Scheduler.Entries())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(r.Context()); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(r.Context()); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "resumed"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	recurring := 0
	if s.deps.Scheduler != nil {
		recurring = len(s.deps.Scheduler.Entries())
	}
	stored := 0
	if s.deps.Store != nil {
		if n, err := s.deps.Store.CountBusMessages(); err == nil {
			stored = n
		}
	}

	jsonResponse(w, map[string]any{
		"status":           "ok",
		"master_id":        st.MasterID,
		"accepting":        st.Accepting,
		"agents":           st.Agents,
		"tasks":            st.Tasks,
		"pending_messages": st.Pending,
		"stored_messages":  stored,
		"recurring":        recurring,
		"websocket_conns":  s.hub.Len(),
		"nats":             s.deps.NATS != nil,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Snapshot())
}

func (s *Server) listHints(w http.ResponseWriter, r *http.Request) {
	hints := s.orch.Hints()
	if hints == nil {
		hints = []orchestrator.Hint{}
	}
	jsonResponse(w, hints)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
