package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Run drives the message loop and the health loop until ctx is done.
// The two loops never wait on each other, so a slow bus backend cannot
// delay timeout detection.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.messageLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.healthLoop(ctx)
	}()
	wg.Wait()
}

func (o *Orchestrator) messageLoop(ctx context.Context) {
	interval := o.cfg.MessagePollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
		o.ProcessMessages(ctx)
		o.Schedule(ctx)
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.HealthSweep(ctx)
			o.PublishStatus()
		}
	}
}
