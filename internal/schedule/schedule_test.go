package schedule

import (
	"fmt"
	"testing"
	"time"
)

var ref = time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestNextRunCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	want := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, *next)
	}
}

func TestNextRunInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`, ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if want := ref.Add(time.Minute); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, *next)
	}
}

func TestNextRunOnce(t *testing.T) {
	future := ref.Add(time.Hour).UnixMilli()
	next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future), ref)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}

	// Past time never fires again
	past := ref.Add(-time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), ref); next != nil {
		t.Error("expected nil for past once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun(`invalid json`, ref); next != nil {
		t.Error("expected nil for invalid schedule")
	}
	if next := NextRun(`{"kind":"unknown"}`, ref); next != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalizePlainCron(t *testing.T) {
	result, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizeEvery(t *testing.T) {
	result, err := Normalize("@every 15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := Parse(result)
	if s.Kind != KindInterval || s.IntervalMs != 15*60*1000 {
		t.Errorf("unexpected result: %+v", s)
	}
	if got := Format(result); got != "Every 15 minutes" {
		t.Errorf("expected 'Every 15 minutes', got '%s'", got)
	}
}

func TestNormalizeAt(t *testing.T) {
	result, err := Normalize("@at 2026-05-01T09:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := Parse(result)
	if s.Kind != KindOnce {
		t.Fatalf("expected kind once, got %s", s.Kind)
	}
	if got := Format(result); got != "Once at May 1 09:00" {
		t.Errorf("unexpected format: %s", got)
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	input := `{"kind":"interval","interval_ms":300000}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got '%s'", result)
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"bogus"}`,
		`{"kind":"interval","interval_ms":0}`,
		"@every soon",
		"@at tomorrow",
	}
	for _, raw := range tests {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestFormatHours(t *testing.T) {
	if got := Format(`{"kind":"interval","interval_ms":3600000}`); got != "Every hour" {
		t.Errorf("expected 'Every hour', got '%s'", got)
	}
	if got := Format(`{"kind":"interval","interval_ms":7200000}`); got != "Every 2 hours" {
		t.Errorf("expected 'Every 2 hours', got '%s'", got)
	}
}
