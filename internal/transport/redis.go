package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ratewatch/internal/failure"
)

const (
	redisBodyField      = "body"
	redisMessageIDField = "message_id"
	redisPublishedField = "published_at"
	redisSettleTimeout  = 5 * time.Second
)

// RedisOptions parameterise a Redis Streams broker endpoint.
type RedisOptions struct {
	URL        string
	Exchange   string
	RoutingKey string
	// Group is the consumer group; members of one group compete for entries.
	Group       string
	Consumer    string
	MaxLen      int64
	ClaimIdle   time.Duration
	Block       time.Duration
	DialTimeout time.Duration
	Role        Role
}

// RedisBroker maps the exchange/routing-key pair onto one stream. Unsettled entries
// stay pending in the group and are reclaimed after ClaimIdle.
type RedisBroker struct {
	opts   RedisOptions
	stream string
	logger zerolog.Logger

	mu     sync.Mutex
	client *redis.Client
}

// StreamName is the stream used for an exchange and routing key.
func StreamName(exchange, routingKey string) string {
	return strings.Trim(exchange, ":") + ":" + strings.Trim(routingKey, ":")
}

// NewRedisBroker builds an unconnected Redis broker.
func NewRedisBroker(opts RedisOptions, logger zerolog.Logger) *RedisBroker {
	if opts.Group == "" {
		opts.Group = "rate_mark_evaluator"
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 30 * time.Second
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	stream := StreamName(opts.Exchange, opts.RoutingKey)
	return &RedisBroker{
		opts:   opts,
		stream: stream,
		logger: logger.With().Str("component", "redis_broker").Str("stream", stream).Logger(),
	}
}

// Connect implements Broker.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	redisOpts, err := redis.ParseURL(b.opts.URL)
	if err != nil {
		return failure.Fatal("parse redis url", err)
	}
	if b.opts.DialTimeout > 0 {
		redisOpts.DialTimeout = b.opts.DialTimeout
	}
	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return failure.Transient("ping redis", err)
	}

	if b.opts.Role == RoleConsumer {
		err := client.XGroupCreateMkStream(ctx, b.stream, b.opts.Group, "$").Err()
		if err != nil && !isBusyGroup(err) {
			_ = client.Close()
			return classifyRedis("create consumer group", err)
		}
	}

	b.client = client
	b.logger.Info().Str("group", b.opts.Group).Msg("redis stream ready")
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// classifyRedis treats server replies describing a wrong key type as configuration errors.
func classifyRedis(op string, err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return failure.Fatal(op, err)
	}
	return failure.Transient(op, err)
}

// IsHealthy implements Broker.
func (b *RedisBroker) IsHealthy() bool {
	client := b.getClient()
	if client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Reconnect implements Broker.
func (b *RedisBroker) Reconnect(ctx context.Context) error {
	if err := b.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("discarding broken client")
	}
	return b.Connect(ctx)
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *RedisBroker) getClient() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	client := b.getClient()
	if client == nil {
		return failure.Transient("publish", ErrNotConnected)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			redisBodyField:      string(msg.Body),
			redisMessageIDField: msg.ID,
			redisPublishedField: ts.Format(time.RFC3339Nano),
		},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}

	if err := client.XAdd(ctx, args).Err(); err != nil {
		return classifyRedis("publish", err)
	}
	return nil
}

// Consume implements Broker. Stale pending entries are reclaimed before new ones are read.
func (b *RedisBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	client := b.getClient()
	if client == nil {
		return nil, failure.Transient("consume", ErrNotConnected)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			claimed, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   b.stream,
				Group:    b.opts.Group,
				Consumer: b.opts.Consumer,
				MinIdle:  b.opts.ClaimIdle,
				Start:    "0-0",
				Count:    10,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				b.logStreamError(ctx, err, "reclaim pending entries")
				return
			}
			for _, m := range claimed {
				if !b.forward(ctx, client, out, m, true) {
					return
				}
			}

			streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    b.opts.Group,
				Consumer: b.opts.Consumer,
				Streams:  []string{b.stream, ">"},
				Count:    1,
				Block:    b.opts.Block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				b.logStreamError(ctx, err, "read group")
				return
			}
			for _, s := range streams {
				for _, m := range s.Messages {
					if !b.forward(ctx, client, out, m, false) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) logStreamError(ctx context.Context, err error, what string) {
	if ctx.Err() != nil {
		return
	}
	b.logger.Error().Err(err).Msg(what + " failed")
}

func (b *RedisBroker) forward(ctx context.Context, client *redis.Client, out chan<- Delivery, m redis.XMessage, redelivered bool) bool {
	body, _ := m.Values[redisBodyField].(string)
	messageID, _ := m.Values[redisMessageIDField].(string)
	if messageID == "" {
		messageID = m.ID
	}

	entryID := m.ID
	ack := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), redisSettleTimeout)
		defer cancel()
		if err := client.XAck(ctx, b.stream, b.opts.Group, entryID).Err(); err != nil {
			return failure.Transient("ack", err)
		}
		return nil
	}
	nack := func(requeue bool) error {
		if requeue {
			// left pending; XAUTOCLAIM hands it out again after ClaimIdle
			return nil
		}
		return ack()
	}

	select {
	case out <- NewDelivery([]byte(body), messageID, redelivered, ack, nack):
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Broker = (*RedisBroker)(nil)
