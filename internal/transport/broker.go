// Package transport connects the publisher and the consumer through a message broker.
//
// Every service owns one Broker (its connection manager) and drives it through a
// Supervisor, which implements the DISCONNECTED/CONNECTED state machine with a fixed
// reconnection backoff. Drivers tag their errors with failure kinds: connection and
// channel errors are Transient, topology mismatches are Fatal.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by operations on a broker without a live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrChannelClosed signals that the delivery stream ended underneath a consumer.
	ErrChannelClosed = errors.New("transport: delivery channel closed")
	// ErrPublishNacked is returned when the broker refused a published message.
	ErrPublishNacked = errors.New("transport: publish not confirmed by broker")
	// ErrSharedOnly is returned by New for drivers that only exist inside one process.
	ErrSharedOnly = errors.New("transport: driver requires a shared in-process broker")
)

// Role selects the topology a broker declares on connect.
type Role int

const (
	// RolePublisher declares the exchange only.
	RolePublisher Role = iota
	// RoleConsumer declares the exchange, the queue and the binding.
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleConsumer {
		return "consumer"
	}
	return "publisher"
}

// Message is an outbound payload.
type Message struct {
	ID        string
	Body      []byte
	Timestamp time.Time
}

// Delivery is an inbound payload that must be settled exactly once with Ack or Nack.
type Delivery struct {
	Body        []byte
	MessageID   string
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery settled through the given callbacks.
func NewDelivery(body []byte, id string, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, MessageID: id, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack confirms the delivery; the broker will not send it again.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery. With requeue the broker redelivers it later.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Broker is a long-lived connection to the message broker owned by a single service.
type Broker interface {
	// Connect dials and declares topology. It is a no-op on a healthy broker.
	Connect(ctx context.Context) error
	// IsHealthy reports whether the connection and channel are usable.
	IsHealthy() bool
	// Reconnect discards every handle and connects from scratch.
	Reconnect(ctx context.Context) error
	// Close releases the connection.
	Close() error
	// Publish sends a message under the configured routing key and waits for the broker to accept it.
	Publish(ctx context.Context, msg Message) error
	// Consume streams deliveries from the bound queue. The channel closes when the
	// connection is lost or ctx is done.
	Consume(ctx context.Context) (<-chan Delivery, error)
}
