package container

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/data:/data", "/data:/data", false},
		{"/src:/workspace/src:ro", "/src:/workspace/src:ro", false},
		{"/src:/dst:rw", "/src:/dst", false},
		{"/only", "", true},
		{":/dst", "", true},
		{"/a:/b:rx", "", true},
		{"/a:/b:ro:extra", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseMount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := m.Bind(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseMountResolvesRelative(t *testing.T) {
	m, err := ParseMount("cache:/cache")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(m.Source) || filepath.Base(m.Source) != "cache" {
		t.Errorf("expected absolute source ending in cache, got %s", m.Source)
	}
}

func TestBuildMounts(t *testing.T) {
	binds, err := buildMounts("/repo", []string{"/home/me/.claude:/root/.claude:ro"})
	if err != nil {
		t.Fatal(err)
	}
	if len(binds) != 2 {
		t.Fatalf("expected 2 binds, got %v", binds)
	}
	if binds[0] != "/repo:/workspace" {
		t.Errorf("expected workspace bind first, got %s", binds[0])
	}
	if binds[1] != "/home/me/.claude:/root/.claude:ro" {
		t.Errorf("unexpected extra bind %s", binds[1])
	}

	if _, err := buildMounts("/repo", []string{"bogus"}); err == nil {
		t.Error("expected error for bad extra mount")
	}
}

func TestContainerName(t *testing.T) {
	got := containerName("agent 1", "fix/lint#3")
	if got != "drover-agent-1-fix-lint-3" {
		t.Errorf("unexpected name %s", got)
	}
	if sanitizeName("") != "x" {
		t.Error("expected placeholder for empty name")
	}
}

func TestLimitWriter(t *testing.T) {
	var b bytes.Buffer
	w := &limitWriter{w: &b, n: 5}
	n, err := w.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("expected full write accepted, got %d %v", n, err)
	}
	_, _ = w.Write([]byte("more"))
	if b.String() != "hello" {
		t.Errorf("expected truncated output, got %q", b.String())
	}
}

func TestDrainBuildOutput(t *testing.T) {
	ok := strings.NewReader(`{"stream":"Step 1/2"}` + "\n" + `{"stream":"done"}`)
	if err := drainBuildOutput(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := strings.NewReader(`{"stream":"Step 1/2"}{"error":"no such file"}`)
	if err := drainBuildOutput(bad); err == nil || err.Error() != "no such file" {
		t.Errorf("expected build error, got %v", err)
	}
}
