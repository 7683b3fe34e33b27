package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ratewatch/internal/failure"
)

// State is the connection state of a supervised broker.
type State int32

const (
	// Disconnected: no usable handles; a (re)connect attempt is pending.
	Disconnected State = iota
	// Connected: topology declared and a session is running.
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// SessionFunc runs while the broker is connected. Returning a Transient error
// triggers a reconnect; any other non-nil error stops the supervisor.
type SessionFunc func(ctx context.Context) error

// Supervisor drives a Broker through connect, session and reconnect.
type Supervisor struct {
	broker  Broker
	backoff time.Duration
	logger  zerolog.Logger
	state   atomic.Int32
}

// NewSupervisor builds a supervisor retrying every backoff.
func NewSupervisor(broker Broker, backoff time.Duration, logger zerolog.Logger) *Supervisor {
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	return &Supervisor{
		broker:  broker,
		backoff: backoff,
		logger:  logger.With().Str("component", "supervisor").Logger(),
	}
}

// State reports the current connection state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Run blocks until ctx is done (returning nil) or a non-transient error occurs.
// The broker is closed on return.
func (s *Supervisor) Run(ctx context.Context, session SessionFunc) error {
	defer func() {
		s.state.Store(int32(Disconnected))
		if err := s.broker.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("closing broker")
		}
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		if attempt == 0 {
			err = s.broker.Connect(ctx)
		} else {
			err = s.broker.Reconnect(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !failure.IsTransient(err) {
				return err
			}
			s.logger.Error().Err(err).Dur("retry_in", s.backoff).Msg("broker connection failed; retrying")
			if !sleep(ctx, s.backoff) {
				return nil
			}
			continue
		}

		s.state.Store(int32(Connected))
		s.logger.Info().Msg("broker connected")

		err = session(ctx)
		s.state.Store(int32(Disconnected))

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil && (errors.Is(err, ctx.Err()) || failure.IsTransient(err)):
			return nil
		case !failure.IsTransient(err):
			return err
		}

		s.logger.Error().Err(err).Dur("retry_in", s.backoff).Msg("broker connection lost; reconnecting")
		if !sleep(ctx, s.backoff) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
