package transport

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

func TestSupervisorRetriesFailedConnects(t *testing.T) {
	broker := NewMemoryBroker(1)
	broker.FailNextConnects(2)
	sup := NewSupervisor(broker, 5*time.Millisecond, zerolog.Nop())

	var sessions atomic.Int32
	err := sup.Run(context.Background(), func(ctx context.Context) error {
		sessions.Add(1)
		require.Equal(t, Connected, sup.State())
		return nil
	})

	require.NoError(t, err)
	require.EqualValues(t, 1, sessions.Load())
	require.Equal(t, 1, broker.Stats().Connects)
	require.Equal(t, Disconnected, sup.State())
	require.False(t, broker.IsHealthy())
}

func TestSupervisorReconnectsAfterTransientSessionError(t *testing.T) {
	broker := NewMemoryBroker(1)
	sup := NewSupervisor(broker, 5*time.Millisecond, zerolog.Nop())

	var sessions atomic.Int32
	err := sup.Run(context.Background(), func(ctx context.Context) error {
		if sessions.Add(1) < 3 {
			return failure.Transient("consume", ErrChannelClosed)
		}
		return nil
	})

	require.NoError(t, err)
	require.EqualValues(t, 3, sessions.Load())
	require.Equal(t, 3, broker.Stats().Connects)
}

func TestSupervisorStopsOnFatalError(t *testing.T) {
	broker := NewMemoryBroker(1)
	sup := NewSupervisor(broker, 5*time.Millisecond, zerolog.Nop())
	boom := errors.New("exchange type mismatch")

	err := sup.Run(context.Background(), func(ctx context.Context) error {
		return failure.Fatal("declare", boom)
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, broker.Stats().Connects)
}

func TestSupervisorReturnsNilOnCancel(t *testing.T) {
	broker := NewMemoryBroker(1)
	broker.FailNextConnects(1000)
	sup := NewSupervisor(broker, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx, func(ctx context.Context) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func TestSupervisorSessionCancelledWhileConnected(t *testing.T) {
	broker := NewMemoryBroker(1)
	sup := NewSupervisor(broker, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	<-started
	require.Equal(t, Connected, sup.State())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
	require.False(t, broker.IsHealthy())
}
