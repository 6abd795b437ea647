package agent

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Usage is one resource sample in percent.
type Usage struct {
	CPU    float64
	Memory float64
	Disk   float64
}

type Sampler interface {
	Sample() (Usage, error)
}

// StaticSampler always reports the same usage.
type StaticSampler Usage

func (s StaticSampler) Sample() (Usage, error) {
	return Usage(s), nil
}

// ProcSampler reads host usage from /proc and statfs. CPU is measured
// between consecutive calls; the first call covers time since boot.
type ProcSampler struct {
	fs   procfs.FS
	path string

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

// NewProcSampler samples disk usage of the filesystem holding path.
func NewProcSampler(path string) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if path == "" {
		path = "/"
	}
	return &ProcSampler{fs: fs, path: path}, nil
}

func (s *ProcSampler) Sample() (Usage, error) {
	var u Usage

	stat, err := s.fs.Stat()
	if err != nil {
		return u, fmt.Errorf("read cpu stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal + idle
	busy := total - idle

	s.mu.Lock()
	dBusy, dTotal := busy-s.lastBusy, total-s.lastTotal
	s.lastBusy, s.lastTotal = busy, total
	s.mu.Unlock()
	if dTotal > 0 {
		u.CPU = clampPercent(dBusy / dTotal * 100)
	}

	mem, err := s.fs.Meminfo()
	if err != nil {
		return u, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		used := float64(*mem.MemTotal - *mem.MemAvailable)
		u.Memory = clampPercent(used / float64(*mem.MemTotal) * 100)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(s.path, &fs); err != nil {
		return u, fmt.Errorf("statfs %s: %w", s.path, err)
	}
	used := float64(fs.Blocks - fs.Bfree)
	if avail := used + float64(fs.Bavail); avail > 0 {
		u.Disk = clampPercent(used / avail * 100)
	}
	return u, nil
}

func clampPercent(v float64) float64 {
	return min(max(v, 0), 100)
}
