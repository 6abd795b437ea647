package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mtzanidakis/drover/internal/metrics"
	"github.com/mtzanidakis/drover/internal/protocol"
)

type Options struct {
	QueuePath     string
	SweepInterval time.Duration
	// ReplayRate bounds queued messages handed back to the backend per second.
	ReplayRate float64
	Notifier   Notifier
	Metrics    *metrics.Metrics
}

// Adapter sends and receives messages through a Backend, falling back to
// the local MessageQueue whenever the backend cannot be reached. A nil
// backend makes the queue the only transport.
type Adapter struct {
	backend  Backend
	cb       *gobreaker.CircuitBreaker
	queue    *MessageQueue
	limiter  *rate.Limiter
	notifier Notifier
	metrics  *metrics.Metrics
	sweep    time.Duration

	replay chan struct{}
	now    func() time.Time

	mu sync.Mutex
	// seen tracks what each recipient has been handed, keyed by message id,
	// until the message expires. Broadcasts stay stored until their ttl.
	seen map[string]map[string]time.Time

	closeOnce sync.Once
}

func NewAdapter(backend Backend, opts Options) *Adapter {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.ReplayRate <= 0 {
		opts.ReplayRate = 50
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	a := &Adapter{
		backend:  backend,
		queue:    LoadQueue(opts.QueuePath),
		limiter:  rate.NewLimiter(rate.Limit(opts.ReplayRate), int(opts.ReplayRate)+1),
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		sweep:    opts.SweepInterval,
		replay:   make(chan struct{}, 1),
		now:      time.Now,
		seen:     make(map[string]map[string]time.Time),
	}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("bus backend breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	a.metrics.BusPending.Set(float64(a.queue.Len()))
	return a
}

// SetNotifier installs the wake-up notifier after construction.
func (a *Adapter) SetNotifier(n Notifier) {
	a.mu.Lock()
	a.notifier = n
	a.mu.Unlock()
}

// Send hands msg to the backend. On any backend failure the message is
// appended to the local queue instead. Expired messages are dropped.
// An error is returned only when the message is invalid or could not be
// kept anywhere.
func (a *Adapter) Send(ctx context.Context, msg protocol.AgentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Expired(a.now()) {
		slog.Debug("dropping expired message", "id", msg.ID, "type", msg.Type)
		a.metrics.BusExpired.Inc()
		return nil
	}

	if a.backend != nil {
		err := a.store(ctx, msg)
		if err == nil {
			a.notify(msg.RecipientID)
			if a.queue.Len() > 0 {
				a.triggerReplay()
			}
			return nil
		}
		slog.Warn("bus backend send failed, queueing locally", "id", msg.ID, "recipient", msg.RecipientID, "error", err)
		a.metrics.BusFallbacks.Inc()
	}

	if err := a.queue.Push(msg); err != nil {
		return fmt.Errorf("queue message %s: %w", msg.ID, err)
	}
	a.metrics.BusPending.Set(float64(a.queue.Len()))
	a.notify(msg.RecipientID)
	return nil
}

// ReceiveFor returns the live messages for recipient from the backend and
// the local queue, oldest first. Expired entries are deleted during the
// scan. A backend failure is logged and only queued messages are returned.
func (a *Adapter) ReceiveFor(ctx context.Context, recipient string) ([]protocol.AgentMessage, error) {
	now := a.now()
	var out []protocol.AgentMessage

	if a.backend != nil {
		msgs, err := a.fetch(ctx, recipient)
		if err != nil {
			slog.Warn("bus backend receive failed", "recipient", recipient, "error", err)
		} else {
			var drop []protocol.AgentMessage
			for _, m := range msgs {
				switch {
				case m.Expired(now):
					drop = append(drop, m)
					a.metrics.BusExpired.Inc()
				case m.RecipientID == protocol.Broadcast:
					if m.SenderID != recipient && a.markSeen(recipient, m) {
						out = append(out, m)
					}
				default:
					if a.markSeen(recipient, m) {
						out = append(out, m)
					}
					drop = append(drop, m)
				}
			}
			if len(drop) > 0 {
				if _, err := a.cb.Execute(func() (interface{}, error) {
					return nil, a.backend.Delete(ctx, drop...)
				}); err != nil {
					slog.Warn("bus backend delete failed", "count", len(drop), "error", err)
				}
			}
		}
	}

	queued, expired, err := a.queue.TakeFor(recipient, now)
	if err != nil {
		slog.Error("persist message queue failed", "error", err)
	}
	a.metrics.BusExpired.Add(float64(expired))
	for _, m := range queued {
		if a.markSeen(recipient, m) {
			out = append(out, m)
		}
	}
	a.metrics.BusPending.Set(float64(a.queue.Len()))

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Pending is the number of messages waiting in the local queue.
func (a *Adapter) Pending() int {
	return a.queue.Len()
}

// Run sweeps expired messages and replays the local queue until ctx ends.
func (a *Adapter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()

	a.Replay(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
			a.Replay(ctx)
		case <-a.replay:
			a.Replay(ctx)
		}
	}
}

// Sweep deletes expired messages from the backend and the local queue.
func (a *Adapter) Sweep(ctx context.Context) {
	now := a.now()
	total := 0

	if a.backend != nil {
		res, err := a.cb.Execute(func() (interface{}, error) {
			return a.backend.DeleteExpired(ctx, now)
		})
		if err != nil {
			slog.Debug("bus backend sweep skipped", "error", err)
		} else {
			total += res.(int)
		}
	}

	n, err := a.queue.DropExpired(now)
	if err != nil {
		slog.Error("persist message queue failed", "error", err)
	}
	total += n

	a.mu.Lock()
	for recipient, ids := range a.seen {
		for id, exp := range ids {
			if now.After(exp) {
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(a.seen, recipient)
		}
	}
	a.mu.Unlock()

	if total > 0 {
		a.metrics.BusExpired.Add(float64(total))
		slog.Debug("expired messages swept", "count", total)
	}
	a.metrics.BusPending.Set(float64(a.queue.Len()))
}

// PurgeBroadcasts deletes the broadcasts sender left on the bus in an
// earlier run, so agents starting now do not act on them.
func (a *Adapter) PurgeBroadcasts(ctx context.Context, sender string) (int, error) {
	var errs []error
	total := 0

	if a.backend != nil {
		msgs, err := a.fetch(ctx, sender)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch broadcasts: %w", err))
		} else {
			var drop []protocol.AgentMessage
			for _, m := range msgs {
				if m.RecipientID == protocol.Broadcast && m.SenderID == sender {
					drop = append(drop, m)
				}
			}
			if len(drop) > 0 {
				if _, err := a.cb.Execute(func() (interface{}, error) {
					return nil, a.backend.Delete(ctx, drop...)
				}); err != nil {
					errs = append(errs, fmt.Errorf("delete broadcasts: %w", err))
				} else {
					total += len(drop)
				}
			}
		}
	}

	n, err := a.queue.DropBroadcastsFrom(sender)
	if err != nil {
		errs = append(errs, err)
	}
	total += n
	a.metrics.BusPending.Set(float64(a.queue.Len()))
	return total, errors.Join(errs...)
}

// Close flushes the local queue and releases the backend.
func (a *Adapter) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if err := a.queue.Flush(); err != nil {
			errs = append(errs, err)
		}
		if a.backend != nil {
			if err := a.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bus backend: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (a *Adapter) store(ctx context.Context, msg protocol.AgentMessage) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.backend.Store(ctx, msg)
	})
	return err
}

func (a *Adapter) fetch(ctx context.Context, recipient string) ([]protocol.AgentMessage, error) {
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.backend.FetchFor(ctx, recipient)
	})
	if err != nil {
		return nil, err
	}
	return res.([]protocol.AgentMessage), nil
}

// markSeen records that recipient received m and reports whether this is
// the first time.
func (a *Adapter) markSeen(recipient string, m protocol.AgentMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids, ok := a.seen[recipient]
	if !ok {
		ids = make(map[string]time.Time)
		a.seen[recipient] = ids
	}
	if _, dup := ids[m.ID]; dup {
		return false
	}
	ids[m.ID] = m.ExpiresAt()
	return true
}

func (a *Adapter) notify(recipient string) {
	a.mu.Lock()
	n := a.notifier
	a.mu.Unlock()
	if n != nil {
		n.Notify(recipient)
	}
}

func (a *Adapter) triggerReplay() {
	select {
	case a.replay <- struct{}{}:
	default:
	}
}
