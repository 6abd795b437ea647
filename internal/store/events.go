package store

import (
	"database/sql"
	"fmt"
	"time"
)

type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveTaskEvent(e *TaskEvent) error {
	result, err := s.db.Exec(`
		INSERT INTO task_events (task_id, agent_id, status, progress, detail)
		VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.AgentID, e.Status, e.Progress, e.Detail)
	if err != nil {
		return fmt.Errorf("save task event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) GetTaskEvents(taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, agent_id, status, progress, detail, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY id
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("get task events: %w", err)
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

func (s *Store) GetRecentTaskEvents(limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, agent_id, status, progress, detail, created_at
		FROM task_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent task events: %w", err)
	}
	defer rows.Close()

	events, err := scanTaskEvents(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to get chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanTaskEvents(rows *sql.Rows) ([]TaskEvent, error) {
	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var agentID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &agentID, &e.Status, &e.Progress, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.AgentID = agentID.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
