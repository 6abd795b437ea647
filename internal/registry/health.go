package registry

import "time"

// Health score tuning. A fresh agent starts at MaxHealth. Each error
// report costs ErrorPenalty, so three reports take an agent below
// MinSchedulableHealth while it keeps heartbeating. Every heartbeat
// without high usage recovers RecoveryStep; heartbeats reporting cpu or
// memory at or above HighUsage cost UsagePenalty instead.
const (
	MaxHealth            = 100
	MinSchedulableHealth = 50
	ErrorPenalty         = 20
	UsagePenalty         = 5
	RecoveryStep         = 2
	HighUsage            = 90.0
)

type Sample struct {
	CPU    float64
	Memory float64
	Disk   float64
	// At is when the sample arrived and drives liveness.
	At time.Time
	// Sent is the sender's own timestamp and only orders samples. Zero
	// means At.
	Sent time.Time
}

// ApplyHeartbeat records a health sample. Samples not sent after the last
// applied one are ignored and reported as false.
func (a *SlaveAgent) ApplyHeartbeat(s Sample) bool {
	sent := s.Sent
	if sent.IsZero() {
		sent = s.At
	}
	if !sent.After(a.lastSent) {
		return false
	}
	a.lastSent = sent
	if s.At.After(a.LastHeartbeat) {
		a.LastHeartbeat = s.At
	}
	a.Usage.CPU = s.CPU
	a.Usage.Memory = s.Memory
	a.Usage.Disk = s.Disk

	if s.CPU >= HighUsage || s.Memory >= HighUsage {
		a.adjustHealth(-UsagePenalty)
	} else {
		a.adjustHealth(RecoveryStep)
	}
	return true
}

// ApplyError charges the fixed error penalty.
func (a *SlaveAgent) ApplyError() {
	a.ErrorCount++
	a.adjustHealth(-ErrorPenalty)
}

func (a *SlaveAgent) adjustHealth(delta int) {
	a.HealthScore = min(max(a.HealthScore+delta, 0), MaxHealth)
}

// Stale reports whether the last heartbeat is older than timeout at now.
func (a *SlaveAgent) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > timeout
}
