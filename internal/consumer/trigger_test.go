package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTimerSource_OverdueFailuresArePaced(t *testing.T) {
	// An overdue item whose fire keeps failing stays the earliest due time.
	// The retry floor must keep the loop from spinning on it.
	past := time.Now().Add(-time.Hour)
	src := TimerSource{
		Next: func(context.Context) (time.Time, bool, error) {
			return past, true, nil
		},
		Retry: 30 * time.Millisecond,
		Log:   zap.NewNop(),
	}

	var fires atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	src.Run(ctx, func(context.Context) error {
		fires.Add(1)
		return errors.New("store down")
	})

	got := fires.Load()
	require.GreaterOrEqual(t, got, int64(1))
	// Unpaced, 150ms of spinning would rack up thousands of attempts.
	require.LessOrEqual(t, got, int64(10))
}

func TestTimerSource_IdlesWhenNothingScheduled(t *testing.T) {
	var fires atomic.Int64
	src := TimerSource{
		Next: func(context.Context) (time.Time, bool, error) {
			return time.Time{}, false, nil
		},
		Idle: 20 * time.Millisecond,
		Log:  zap.NewNop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	src.Run(ctx, func(context.Context) error {
		fires.Add(1)
		return nil
	})
	require.Zero(t, fires.Load())
}

func TestTimerSource_FiresDueItem(t *testing.T) {
	var fires atomic.Int64
	due := time.Now().Add(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := TimerSource{
		Next: func(context.Context) (time.Time, bool, error) {
			return due, true, nil
		},
		Retry: 20 * time.Millisecond,
		Log:   zap.NewNop(),
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	src.Run(ctx, func(context.Context) error {
		fires.Add(1)
		return nil
	})
	require.GreaterOrEqual(t, fires.Load(), int64(1))
}

func TestSweepSource_IntervalClamped(t *testing.T) {
	var fires atomic.Int64
	src := SweepSource{Interval: 10 * time.Millisecond, Log: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	src.Run(ctx, func(context.Context) error {
		fires.Add(1)
		return nil
	})
	require.GreaterOrEqual(t, fires.Load(), int64(2))
}
