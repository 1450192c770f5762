package jms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/loadharness/internal/operation"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultQueueGroup is the NATS queue group shared by queue consumers, so
// that a queue message is delivered to exactly one of them.
const DefaultQueueGroup = "loadharness"

// NATSConnection is a Connection backed by a NATS server. Queues map to
// queue-group subscriptions and topics to plain subscriptions; the subject
// is the destination name.
//
// Core NATS delivers at most once and only to subscribers present at publish
// time. A consumer subscribes when it is checked out, so messages sent while
// no receive is in progress are dropped, queues included. Use the kafka
// provider for a retained queue.
type NATSConnection struct {
	urls    string
	name    string
	timeout time.Duration
	log     *zap.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewNATSConnection creates an unstarted connection to the comma-separated
// server urls.
func NewNATSConnection(urls, name string, timeout time.Duration, log *zap.Logger) *NATSConnection {
	if log == nil {
		log = zap.NewNop()
	}
	if urls == "" {
		urls = nats.DefaultURL
	}
	return &NATSConnection{urls: urls, name: name, timeout: timeout, log: log}
}

// Start dials the server. Calling Start on a connected connection is a no-op.
func (c *NATSConnection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		return nil
	}

	opts := nats.GetDefaultOptions()
	opts.Servers = strings.Split(c.urls, ",")
	for i, s := range opts.Servers {
		opts.Servers[i] = strings.TrimSpace(s)
	}
	opts.Name = c.name
	if c.timeout > 0 {
		opts.Timeout = c.timeout
	}
	opts.DisconnectedErrCB = func(_ *nats.Conn, err error) {
		c.log.Warn("nats disconnected", zap.Error(err))
	}
	opts.ReconnectedCB = func(nc *nats.Conn) {
		c.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
	}
	opts.AsyncErrorCB = func(_ *nats.Conn, sub *nats.Subscription, err error) {
		c.log.Warn("nats async error", zap.String("subject", sub.Subject), zap.Error(err))
	}

	nc, err := opts.Connect()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.urls, err)
	}
	c.nc = nc
	return nil
}

// CreateSession returns a session over the shared NATS connection.
func (c *NATSConnection) CreateSession() (Session, error) {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return nil, ErrNotStarted
	}
	if nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return &natsSession{nc: nc}, nil
}

// Close closes the connection. It is idempotent.
func (c *NATSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

type natsSession struct {
	nc     *nats.Conn
	closed atomic.Bool
}

func (s *natsSession) check() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.nc.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

func (s *natsSession) CreateProducer(dest operation.Destination) (Producer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &natsProducer{nc: s.nc, subject: dest.Name}, nil
}

func (s *natsSession) CreateConsumer(dest operation.Destination) (Consumer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var (
		sub *nats.Subscription
		err error
	)
	if dest.Type == operation.Topic {
		sub, err = s.nc.SubscribeSync(dest.Name)
	} else {
		sub, err = s.nc.QueueSubscribeSync(dest.Name, DefaultQueueGroup)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", dest, err)
	}
	return &natsConsumer{sub: sub}, nil
}

func (s *natsSession) Close() error {
	s.closed.Store(true)
	return nil
}

type natsProducer struct {
	nc      *nats.Conn
	subject string
}

func (p *natsProducer) Send(_ context.Context, payload []byte) error {
	return p.nc.Publish(p.subject, payload)
}

func (p *natsProducer) Close() error { return nil }

type natsConsumer struct {
	sub *nats.Subscription
}

func (c *natsConsumer) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, operation.ErrNoMessage
		}
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConsumer) Close() error {
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
