package jms

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/loadharness/internal/operation"
)

// DefaultQueueCapacity is the per-queue buffer of a MemoryBroker.
const DefaultQueueCapacity = 4096

// MemoryBroker is an in-process broker. A queue message is delivered to
// exactly one consumer; a topic message is delivered to every consumer
// subscribed when it was sent.
//
// Thread Safety: Safe for concurrent use.
type MemoryBroker struct {
	capacity int

	mu     sync.Mutex
	queues map[string]chan []byte
	topics map[string]map[*memoryConsumer]struct{}
}

// NewMemoryBroker creates a broker whose queues buffer capacity messages.
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryBroker{
		capacity: capacity,
		queues:   make(map[string]chan []byte),
		topics:   make(map[string]map[*memoryConsumer]struct{}),
	}
}

// Connect returns a new, unstarted connection to the broker.
func (b *MemoryBroker) Connect() *MemoryConnection {
	return &MemoryConnection{broker: b}
}

// Depth returns the number of messages waiting on a queue.
func (b *MemoryBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q)
	}
	return 0
}

func (b *MemoryBroker) queue(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, b.capacity)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) subscribe(name string, c *memoryConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[name]
	if !ok {
		subs = make(map[*memoryConsumer]struct{})
		b.topics[name] = subs
	}
	subs[c] = struct{}{}
}

func (b *MemoryBroker) unsubscribe(name string, c *memoryConsumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[name], c)
}

func (b *MemoryBroker) publish(name string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.topics[name] {
		select {
		case c.messages <- payload:
		default:
			// Slow subscriber; topics are not durable.
		}
	}
}

// MemoryConnection is a Connection to a MemoryBroker.
type MemoryConnection struct {
	broker   *MemoryBroker
	started  atomic.Bool
	closed   atomic.Bool
	sessions atomic.Int64
}

// Start marks the connection started.
func (c *MemoryConnection) Start() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.started.Store(true)
	return nil
}

// CreateSession creates a session on the connection.
func (c *MemoryConnection) CreateSession() (Session, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	c.sessions.Add(1)
	return &MemorySession{conn: c}, nil
}

// SessionsCreated returns how many sessions the connection has created.
func (c *MemoryConnection) SessionsCreated() int64 { return c.sessions.Load() }

// IsClosed reports whether Close has been called.
func (c *MemoryConnection) IsClosed() bool { return c.closed.Load() }

// Close closes the connection. It is idempotent.
func (c *MemoryConnection) Close() error {
	c.closed.Store(true)
	return nil
}

// MemorySession is a Session on a MemoryConnection.
type MemorySession struct {
	conn   *MemoryConnection
	closed atomic.Bool
}

func (s *MemorySession) check() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.conn.closed.Load() {
		return ErrConnectionClosed
	}
	return nil
}

// CreateProducer creates a producer for dest.
func (s *MemorySession) CreateProducer(dest operation.Destination) (Producer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &memoryProducer{session: s, dest: dest}, nil
}

// CreateConsumer creates a consumer for dest. A topic consumer only sees
// messages sent after it was created.
func (s *MemorySession) CreateConsumer(dest operation.Destination) (Consumer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	c := &memoryConsumer{session: s, dest: dest}
	broker := s.conn.broker
	if dest.Type == operation.Topic {
		c.messages = make(chan []byte, broker.capacity)
		broker.subscribe(dest.Name, c)
	} else {
		c.messages = broker.queue(dest.Name)
	}
	return c, nil
}

// IsClosed reports whether Close has been called.
func (s *MemorySession) IsClosed() bool { return s.closed.Load() }

// Close closes the session. It is idempotent.
func (s *MemorySession) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryProducer struct {
	session *MemorySession
	dest    operation.Destination
	closed  atomic.Bool
}

func (p *memoryProducer) Send(ctx context.Context, payload []byte) error {
	if p.closed.Load() {
		return ErrEndpointClosed
	}
	if err := p.session.check(); err != nil {
		return err
	}
	broker := p.session.conn.broker
	if p.dest.Type == operation.Topic {
		broker.publish(p.dest.Name, payload)
		return nil
	}
	select {
	case broker.queue(p.dest.Name) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue %s is full", p.dest.Name)
	}
}

func (p *memoryProducer) Close() error {
	p.closed.Store(true)
	return nil
}

type memoryConsumer struct {
	session  *MemorySession
	dest     operation.Destination
	messages chan []byte
	closed   atomic.Bool
}

func (c *memoryConsumer) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrEndpointClosed
	}
	if err := c.session.check(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-timer.C:
		return nil, operation.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConsumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.dest.Type == operation.Topic {
		c.session.conn.broker.unsubscribe(c.dest.Name, c)
	}
	return nil
}
