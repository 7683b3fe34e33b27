package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"ratewatch/internal/failure"
)

// AMQPOptions parameterise an AMQP 0-9-1 broker endpoint.
type AMQPOptions struct {
	URL             string
	Exchange        string
	ExchangeDurable bool
	RoutingKey      string
	// Queue is the consumer queue. Empty declares an exclusive, server-named queue
	// that only lives as long as the connection.
	Queue       string
	Prefetch    int
	Heartbeat   time.Duration
	DialTimeout time.Duration
	ConsumerTag string
	Role        Role
}

// AMQPBroker talks to RabbitMQ over a direct exchange.
type AMQPBroker struct {
	opts   AMQPOptions
	logger zerolog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPBroker builds an unconnected AMQP broker.
func NewAMQPBroker(opts AMQPOptions, logger zerolog.Logger) *AMQPBroker {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	return &AMQPBroker{
		opts:   opts,
		logger: logger.With().Str("component", "amqp_broker").Str("role", opts.Role.String()).Logger(),
	}
}

// Connect implements Broker.
func (b *AMQPBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.healthyLocked() {
		return nil
	}
	b.closeLocked()

	if _, err := amqp.ParseURI(b.opts.URL); err != nil {
		return failure.Fatal("parse broker url", err)
	}

	b.logger.Info().Str("exchange", b.opts.Exchange).Msg("connecting to broker")

	conn, err := amqp.DialConfig(b.opts.URL, amqp.Config{
		Heartbeat: b.opts.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(b.opts.DialTimeout),
		Properties: amqp.Table{
			"connection_name": "ratewatch-" + b.opts.Role.String(),
		},
	})
	if err != nil {
		return failure.Transient("dial broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return failure.Transient("open channel", err)
	}

	queue, err := b.declare(ch)
	if err != nil {
		_ = conn.Close()
		return classifyAMQP("declare topology", err)
	}

	if b.opts.Role == RolePublisher {
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return classifyAMQP("enable publisher confirms", err)
		}
	}

	b.conn, b.ch, b.queue = conn, ch, queue
	b.logger.Info().Str("queue", queue).Msg("broker topology declared")
	return nil
}

func (b *AMQPBroker) declare(ch *amqp.Channel) (string, error) {
	if err := ch.ExchangeDeclare(b.opts.Exchange, amqp.ExchangeDirect, b.opts.ExchangeDurable, false, false, false, nil); err != nil {
		return "", fmt.Errorf("exchange %q: %w", b.opts.Exchange, err)
	}
	if b.opts.Role != RoleConsumer {
		return "", nil
	}

	durable, autoDelete, exclusive := queueFlags(b.opts.Queue)
	q, err := ch.QueueDeclare(b.opts.Queue, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return "", fmt.Errorf("queue %q: %w", b.opts.Queue, err)
	}
	if err := ch.QueueBind(q.Name, b.opts.RoutingKey, b.opts.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind %q to %q: %w", q.Name, b.opts.RoutingKey, err)
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return "", fmt.Errorf("qos: %w", err)
	}
	return q.Name, nil
}

// queueFlags returns durable, autoDelete and exclusive for a queue name.
func queueFlags(name string) (bool, bool, bool) {
	if name == "" {
		return false, true, true
	}
	return true, false, false
}

// classifyAMQP marks server refusals caused by configuration as fatal; everything
// else is a connection problem worth retrying.
func classifyAMQP(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed, amqp.AccessRefused, amqp.NotFound, amqp.NotAllowed, amqp.NotImplemented:
			return failure.Fatal(op, err)
		}
	}
	return failure.Transient(op, err)
}

// IsHealthy implements Broker.
func (b *AMQPBroker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthyLocked()
}

func (b *AMQPBroker) healthyLocked() bool {
	return b.conn != nil && !b.conn.IsClosed() && b.ch != nil && !b.ch.IsClosed()
}

// Reconnect implements Broker.
func (b *AMQPBroker) Reconnect(ctx context.Context) error {
	if err := b.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("discarding broken connection")
	}
	return b.Connect(ctx)
}

// Close implements Broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *AMQPBroker) closeLocked() error {
	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		b.ch = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		b.conn = nil
	}
	b.queue = ""
	return errors.Join(errs...)
}

// Publish implements Broker. It waits for the publisher confirm within ctx.
func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return failure.Transient("publish", ErrNotConnected)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.opts.Exchange, b.opts.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    ts,
		Body:         msg.Body,
	})
	if err != nil {
		return failure.Transient("publish", err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return failure.Transient("await publish confirm", err)
	}
	if !acked {
		return failure.Transient("publish", ErrPublishNacked)
	}
	return nil
}

// Consume implements Broker. Deliveries require explicit Ack or Nack.
func (b *AMQPBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	ch, queue := b.ch, b.queue
	b.mu.Unlock()
	if ch == nil || ch.IsClosed() || queue == "" {
		return nil, failure.Transient("consume", ErrNotConnected)
	}

	msgs, err := ch.ConsumeWithContext(ctx, queue, b.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, classifyAMQP("consume", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			d := d
			delivery := NewDelivery(d.Body, d.MessageId, d.Redelivered,
				func() error { return d.Ack(false) },
				func(requeue bool) error { return d.Nack(false, requeue) },
			)
			select {
			case out <- delivery:
			case <-ctx.Done():
				// unacked; the broker redelivers it once the channel closes
				return
			}
		}
	}()
	return out, nil
}

var _ Broker = (*AMQPBroker)(nil)
