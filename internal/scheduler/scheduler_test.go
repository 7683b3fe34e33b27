package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ratewatch/internal/failure"
)

func TestRunImmediatelyThenInterval(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(3), calls.Load())
}

func TestRecoverableErrorsKeepLooping(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	_ = s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return failure.Recoverable("fetch rate", errors.New("upstream down"))
	})

	require.GreaterOrEqual(t, calls.Load(), int32(3), "recoverable errors keep the loop running")
}

func TestTransientErrorStopsRun(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())
	lost := failure.Transient("publish", errors.New("channel closed"))

	err := s.Run(context.Background(), func(ctx context.Context, bucket time.Time) error {
		return lost
	})
	require.ErrorIs(t, err, lost)
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)

	boundary := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)
	require.True(t, s.nextTick(now).Equal(boundary), "aligned tick %s", s.nextTick(now))
	require.True(t, s.bucketStart(boundary.Add(time.Nanosecond)).Equal(boundary))
}
