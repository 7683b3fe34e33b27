// Package publisher runs the rate tracker: it samples the upstream rate on an interval
// and publishes every sample to the broker.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ratewatch/internal/failure"
	"ratewatch/internal/fetcher"
	"ratewatch/internal/sample"
	"ratewatch/internal/scheduler"
	"ratewatch/internal/storage"
	"ratewatch/internal/transport"
)

// Options tune the publisher.
type Options struct {
	PublishTimeout time.Duration
	ReconnectDelay time.Duration
	// Locker and LockKey keep a single publisher active across replicas. Zero key disables it.
	Locker  storage.AdvisoryLocker
	LockKey int64
}

// Publisher owns one broker connection and one sampling loop.
type Publisher struct {
	scheduler  *scheduler.Scheduler
	source     fetcher.RateSource
	broker     transport.Broker
	supervisor *transport.Supervisor
	logger     zerolog.Logger

	publishTimeout time.Duration
	locker         storage.AdvisoryLocker
	lockKey        int64
}

// New constructs a publisher. The scheduler should run immediately so a sample is sent
// right after every (re)connect.
func New(sched *scheduler.Scheduler, source fetcher.RateSource, broker transport.Broker, opts Options, logger zerolog.Logger) *Publisher {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	logger = logger.With().Str("component", "publisher").Logger()
	return &Publisher{
		scheduler:      sched,
		source:         source,
		broker:         broker,
		supervisor:     transport.NewSupervisor(broker, opts.ReconnectDelay, logger),
		logger:         logger,
		publishTimeout: opts.PublishTimeout,
		locker:         opts.Locker,
		lockKey:        opts.LockKey,
	}
}

// State reports the broker connection state.
func (p *Publisher) State() transport.State { return p.supervisor.State() }

// Run samples and publishes until ctx is done. Publish failures reconnect the broker
// and restart the sampling loop.
func (p *Publisher) Run(ctx context.Context) error {
	if p.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	p.logger.Info().Msg("rate tracker started")
	err := p.supervisor.Run(ctx, func(ctx context.Context) error {
		return p.scheduler.Run(ctx, p.Tick)
	})
	p.logger.Info().Msg("rate tracker stopped")
	return err
}

// Tick fetches one rate and publishes it.
func (p *Publisher) Tick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return failure.Recoverable("acquire advisory lock", err)
	}
	if !proceed {
		p.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	rate, err := p.source.FetchRate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Recoverable("fetch rate", err)
	}

	s := sample.New(rate)
	body, err := sample.Encode(s)
	if err != nil {
		return failure.Recoverable("encode sample", err)
	}

	return p.publish(ctx, s, body)
}

func (p *Publisher) publish(ctx context.Context, s sample.Sample, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	msg := transport.Message{ID: uuid.NewString(), Body: body, Timestamp: s.ObservedAt}
	if err := p.broker.Publish(pubCtx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failure.KindOf(err) == failure.Fatal {
			return err
		}
		return failure.Transient("publish sample", err)
	}

	p.logger.Info().Str("rate", s.Rate.String()).Str("message_id", msg.ID).Msg("rate published")
	return nil
}

func (p *Publisher) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.lockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.lockKey)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
