package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// Replay hands queued messages to the backend in order, bounded by the
// replay rate. It stops at the first message the backend still refuses.
func (a *Adapter) Replay(ctx context.Context) {
	if a.backend == nil {
		return
	}

	replayed := 0
	for {
		msg, ok := a.queue.Peek()
		if !ok {
			break
		}
		if msg.Expired(a.now()) {
			_ = a.queue.Remove(msg.ID)
			a.metrics.BusExpired.Inc()
			continue
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
			}),
		)
		err := r.Do(func() error {
			return a.store(ctx, msg)
		})
		if err != nil {
			slog.Debug("bus replay paused", "pending", a.queue.Len(), "error", err)
			break
		}

		if err := a.queue.Remove(msg.ID); err != nil {
			slog.Error("persist message queue failed", "error", err)
		}
		a.metrics.BusReplayed.Inc()
		a.notify(msg.RecipientID)
		replayed++
	}

	a.metrics.BusPending.Set(float64(a.queue.Len()))
	if replayed > 0 {
		slog.Info("replayed queued messages", "count", replayed, "pending", a.queue.Len())
	}
}
