package transport

import (
	"fmt"

	"github.com/rs/zerolog"

	"ratewatch/internal/config"
)

// New builds the broker selected by cfg.Driver for role. The memory driver needs a
// shared instance and is rejected with ErrSharedOnly.
func New(cfg config.TransportConfig, role Role, logger zerolog.Logger) (Broker, error) {
	switch cfg.Driver {
	case config.DriverAMQP:
		opts := AMQPOptions{
			URL:             cfg.URL,
			Exchange:        cfg.Exchange,
			ExchangeDurable: cfg.Durable,
			RoutingKey:      cfg.RoutingKey,
			Prefetch:        cfg.Prefetch,
			Heartbeat:       cfg.Heartbeat,
			DialTimeout:     cfg.DialTimeout,
			ConsumerTag:     cfg.ConsumerName,
			Role:            role,
		}
		if role == RoleConsumer {
			opts.Queue = cfg.Queue
		}
		return NewAMQPBroker(opts, logger), nil
	case config.DriverRedis:
		return NewRedisBroker(RedisOptions{
			URL:         cfg.URL,
			Exchange:    cfg.Exchange,
			RoutingKey:  cfg.RoutingKey,
			Group:       cfg.Queue,
			Consumer:    cfg.ConsumerName,
			MaxLen:      cfg.StreamMaxLen,
			ClaimIdle:   cfg.ClaimIdle,
			DialTimeout: cfg.DialTimeout,
			Role:        role,
		}, logger), nil
	case config.DriverMemory:
		return nil, ErrSharedOnly
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}
