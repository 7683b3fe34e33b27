package transport

import (
	"context"
	"errors"
	"sync"

	"ratewatch/internal/failure"
)

// ErrInjected is the cause of failures injected into a MemoryBroker.
var ErrInjected = errors.New("transport: injected failure")

type memoryMessage struct {
	msg         Message
	redelivered bool
}

type memoryQueue struct {
	ch chan memoryMessage

	mu        sync.Mutex
	published int
	acked     int
	nacked    int
}

// MemoryStats summarises traffic through a MemoryBroker queue.
type MemoryStats struct {
	Published int
	Acked     int
	Nacked    int
	Connects  int
}

// MemoryBroker is an in-process broker endpoint. Endpoints created with Peer share one
// queue, behaving like a durable queue with competing consumers.
type MemoryBroker struct {
	q *memoryQueue

	mu          sync.Mutex
	connected   bool
	closed      chan struct{}
	connects    int
	failConnect int
	failPublish int
}

// NewMemoryBroker creates an endpoint on a fresh queue holding up to capacity messages.
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBroker{q: &memoryQueue{ch: make(chan memoryMessage, capacity)}}
}

// Peer returns a new endpoint on the same queue.
func (b *MemoryBroker) Peer() *MemoryBroker {
	return &MemoryBroker{q: b.q}
}

// FailNextConnects makes the next n connect attempts fail with a transient error.
func (b *MemoryBroker) FailNextConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnect = n
}

// FailNextPublishes makes the next n publishes fail with a transient error.
func (b *MemoryBroker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = n
}

// Drop simulates a lost connection: open delivery channels close.
func (b *MemoryBroker) Drop() {
	_ = b.Close()
}

// Stats returns queue counters and this endpoint's connect count.
func (b *MemoryBroker) Stats() MemoryStats {
	b.mu.Lock()
	connects := b.connects
	b.mu.Unlock()

	b.q.mu.Lock()
	defer b.q.mu.Unlock()
	return MemoryStats{Published: b.q.published, Acked: b.q.acked, Nacked: b.q.nacked, Connects: connects}
}

// Pending reports how many messages wait in the queue.
func (b *MemoryBroker) Pending() int { return len(b.q.ch) }

// Connect implements Broker.
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	if b.failConnect > 0 {
		b.failConnect--
		return failure.Transient("connect memory broker", ErrInjected)
	}
	b.connected = true
	b.closed = make(chan struct{})
	b.connects++
	return nil
}

// IsHealthy implements Broker.
func (b *MemoryBroker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Reconnect implements Broker.
func (b *MemoryBroker) Reconnect(ctx context.Context) error {
	_ = b.Close()
	return b.Connect(ctx)
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		b.connected = false
		close(b.closed)
	}
	return nil
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return failure.Transient("publish", ErrNotConnected)
	}
	if b.failPublish > 0 {
		b.failPublish--
		b.mu.Unlock()
		return failure.Transient("publish", ErrInjected)
	}
	b.mu.Unlock()

	select {
	case b.q.ch <- memoryMessage{msg: msg}:
	case <-ctx.Done():
		return failure.Transient("publish", ctx.Err())
	}

	b.q.mu.Lock()
	b.q.published++
	b.q.mu.Unlock()
	return nil
}

// Consume implements Broker.
func (b *MemoryBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, failure.Transient("consume", ErrNotConnected)
	}
	closed := b.closed
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			var m memoryMessage
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case m = <-b.q.ch:
			}

			select {
			case out <- b.delivery(m):
			case <-ctx.Done():
				b.requeue(m)
				return
			case <-closed:
				b.requeue(m)
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) delivery(m memoryMessage) Delivery {
	var once sync.Once
	settled := errors.New("transport: delivery already settled")

	ack := func() error {
		err := settled
		once.Do(func() {
			err = nil
			b.q.mu.Lock()
			b.q.acked++
			b.q.mu.Unlock()
		})
		return err
	}
	nack := func(requeue bool) error {
		err := settled
		once.Do(func() {
			err = nil
			b.q.mu.Lock()
			b.q.nacked++
			b.q.mu.Unlock()
			if requeue {
				b.requeue(m)
			}
		})
		return err
	}
	return NewDelivery(m.msg.Body, m.msg.ID, m.redelivered, ack, nack)
}

func (b *MemoryBroker) requeue(m memoryMessage) {
	m.redelivered = true
	select {
	case b.q.ch <- m:
	default:
		go func() { b.q.ch <- m }()
	}
}

var _ Broker = (*MemoryBroker)(nil)
