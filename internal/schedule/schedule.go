// Package schedule parses the timing rules of recurring task templates.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

// Next returns the first run strictly after from, or false when the
// schedule will never fire again.
func (s *Schedule) Next(from time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if t.After(from) {
			return t, true
		}
	}
	return time.Time{}, false
}

// NextRun parses a normalized schedule and returns its next run after from.
func NextRun(raw string, from time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(from)
	if !ok {
		return nil
	}
	return &next
}

// Format returns a human-readable description of a schedule JSON string.
func Format(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04")
	}
	return raw
}

// Normalize accepts a schedule in any of the forms a config file may use and
// returns its JSON encoding:
//
//	"0 3 * * *"                           plain cron
//	"@every 15m"                          interval
//	"@at 2026-05-01T09:00:00Z"            once, RFC 3339
//	{"kind":"interval","interval_ms":...} passed through after validation
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	switch {
	case strings.HasPrefix(raw, "@every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(raw, "@every ")))
		if err != nil {
			return "", fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(raw, "@at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(raw, "@at ")))
		if err != nil {
			return "", fmt.Errorf("invalid time %q: %w", raw, err)
		}
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	default:
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}
	if err := s.validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s Schedule) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}
