// Package consumer runs the mark evaluator: every rate sample received from the broker
// deactivates the marks it triggers and produces one notification intent per mark.
//
// A delivery is acknowledged only after its deactivations are committed, or when the
// payload can never be processed. Persistence failures roll back and requeue the
// delivery, so a sample is evaluated again from scratch on redelivery.
package consumer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ratewatch/internal/alerting"
	"ratewatch/internal/failure"
	"ratewatch/internal/sample"
	"ratewatch/internal/storage"
	"ratewatch/internal/transport"
)

// Options tune the consumer.
type Options struct {
	// HandleTimeout bounds evaluation, commit and settlement of one delivery.
	HandleTimeout time.Duration
	// RedeliveryDelay is waited before requeueing a delivery whose commit failed.
	RedeliveryDelay time.Duration
	ReconnectDelay  time.Duration
}

// Consumer evaluates marks against incoming samples.
type Consumer struct {
	store      storage.MarkStore
	sink       alerting.Sink
	broker     transport.Broker
	supervisor *transport.Supervisor
	opts       Options
	logger     zerolog.Logger
}

// New constructs a consumer.
func New(store storage.MarkStore, sink alerting.Sink, broker transport.Broker, opts Options, logger zerolog.Logger) *Consumer {
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 15 * time.Second
	}
	logger = logger.With().Str("component", "consumer").Logger()
	return &Consumer{
		store:      store,
		sink:       sink,
		broker:     broker,
		supervisor: transport.NewSupervisor(broker, opts.ReconnectDelay, logger),
		opts:       opts,
		logger:     logger,
	}
}

// State reports the broker connection state.
func (c *Consumer) State() transport.State { return c.supervisor.State() }

// Run consumes until ctx is done. A delivery already being handled when ctx is
// cancelled is finished and settled before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("mark evaluator started")
	err := c.supervisor.Run(ctx, c.session)
	c.logger.Info().Msg("mark evaluator stopped")
	return err
}

func (c *Consumer) session(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx)
	if err != nil {
		return err
	}
	c.logger.Info().Msg("waiting for rate samples")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return failure.Transient("consume", transport.ErrChannelClosed)
			}
			if err := c.Handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

// Handle processes one delivery and settles it. The returned error is non-nil only
// when the delivery could not be settled.
func (c *Consumer) Handle(ctx context.Context, d transport.Delivery) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandleTimeout)
	defer cancel()

	logger := c.logger.With().Str("message_id", d.MessageID).Bool("redelivered", d.Redelivered).Logger()

	s, err := sample.Decode(d.Body)
	if err != nil {
		logger.Error().Err(err).Bytes("body", truncate(d.Body, 256)).Msg("discarding malformed rate sample")
		return settle("ack malformed sample", d.Ack())
	}

	intents, err := c.Evaluate(hctx, s)
	if err != nil {
		logger.Error().Err(err).Str("rate", s.Rate.String()).Msg("evaluation rolled back; requeueing sample")
		c.waitRedelivery(ctx)
		return settle("nack sample", d.Nack(true))
	}

	for _, intent := range intents {
		if c.sink == nil {
			break
		}
		if err := c.sink.Emit(hctx, intent); err != nil {
			logger.Error().Err(err).Int64("mark_id", intent.MarkID).Msg("failed to emit notification intent")
		}
	}

	logger.Debug().Str("rate", s.Rate.String()).Int("triggered", len(intents)).Msg("rate sample processed")
	return settle("ack sample", d.Ack())
}

// Evaluate deactivates every active mark triggered by s in one transaction and returns
// the intents for the committed deactivations. Persistence errors are Recoverable.
func (c *Consumer) Evaluate(ctx context.Context, s sample.Sample) ([]alerting.Intent, error) {
	var intents []alerting.Intent

	err := c.store.WithinTx(ctx, func(ctx context.Context, tx storage.MarkTx) error {
		intents = intents[:0]

		marks, err := tx.FindTriggered(ctx, s.Rate)
		if err != nil {
			return err
		}
		if len(marks) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(marks))
		for _, m := range marks {
			ids = append(ids, m.ID)
			intents = append(intents, alerting.NewIntent(m, s.Rate, s.ObservedAt))
		}
		return tx.Deactivate(ctx, ids)
	})
	if err != nil {
		return nil, failure.Recoverable("evaluate marks", err)
	}
	return intents, nil
}

func (c *Consumer) waitRedelivery(ctx context.Context) {
	if c.opts.RedeliveryDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.opts.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// settle turns a failed Ack or Nack into a transport error; the broker redelivers
// unsettled messages after reconnecting.
func settle(op string, err error) error {
	if err == nil || failure.IsTransient(err) {
		return err
	}
	return failure.Transient(op, err)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
