package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TriggerSource drives time-based work (reminder firing, recurrence
// expansion). Implementations decide *when* to fire; the consumer logic only
// reacts to "something is due now". In-process triggers carry none of the
// bus's redelivery or dead-letter guarantees: a failed fire is logged and
// retried on the next invocation.
type TriggerSource interface {
	Run(ctx context.Context, fire func(context.Context) error)
}

// SweepSource fires on a fixed interval. The fallback documented for
// deployments without an exact-time scheduler; keep the interval at or
// below 30s so reminders stay close to their trigger_at.
type SweepSource struct {
	Interval time.Duration
	Log      *zap.Logger
}

func (s SweepSource) Run(ctx context.Context, fire func(context.Context) error) {
	interval := s.Interval
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fire(ctx); err != nil && s.Log != nil {
				s.Log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// TimerSource fires at exact instants. Next reports the earliest upcoming
// due time; when nothing is scheduled it returns false and the source idles
// before asking again.
type TimerSource struct {
	Next func(context.Context) (time.Time, bool, error)
	Idle time.Duration
	// Retry spaces out re-fires for an item that is already overdue. An
	// overdue item whose fire keeps failing stays the earliest due time, so
	// without a floor the loop would spin on it.
	Retry time.Duration
	Log   *zap.Logger
}

func (s TimerSource) Run(ctx context.Context, fire func(context.Context) error) {
	idle := s.Idle
	if idle <= 0 {
		idle = 5 * time.Second
	}
	retry := s.Retry
	if retry <= 0 {
		retry = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		at, ok, err := s.Next(ctx)
		if err != nil {
			if s.Log != nil {
				s.Log.Error("next trigger lookup failed", zap.Error(err))
			}
			ok = false
		}
		wait := idle
		if ok {
			wait = time.Until(at)
			if wait < 0 {
				wait = retry
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !ok {
			continue
		}
		if err := fire(ctx); err != nil && s.Log != nil {
			s.Log.Error("trigger fire failed", zap.Error(err))
		}
	}
}
