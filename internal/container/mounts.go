package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const workspaceTarget = "/workspace"

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) Bind() string {
	bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
	if m.ReadOnly {
		bind += ":ro"
	}
	return bind
}

// ParseMount reads "source:target[:ro]". Relative sources resolve against
// the working directory.
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount %q: want source:target[:ro]", s)
	}
	m := Mount{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "ro" && parts[2] != "rw" {
			return Mount{}, fmt.Errorf("invalid mount mode %q in %q", parts[2], s)
		}
		m.ReadOnly = parts[2] == "ro"
	}
	if !filepath.IsAbs(m.Source) {
		abs, err := filepath.Abs(m.Source)
		if err != nil {
			return Mount{}, fmt.Errorf("resolve mount source %q: %w", m.Source, err)
		}
		m.Source = abs
	}
	return m, nil
}

// buildMounts binds workdir (default: the working directory) at
// /workspace, followed by the extra mounts.
func buildMounts(workdir string, extra []string) ([]string, error) {
	if workdir == "" {
		workdir, _ = os.Getwd()
	}
	workspace, err := ParseMount(workdir + ":" + workspaceTarget)
	if err != nil {
		return nil, err
	}
	binds := []string{workspace.Bind()}

	for _, s := range extra {
		m, err := ParseMount(s)
		if err != nil {
			return nil, err
		}
		binds = append(binds, m.Bind())
	}
	return binds, nil
}
