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
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultConsumerGroup is the Kafka consumer group shared by queue
// consumers. Topic consumers each join a group of their own, so every one of
// them sees every message published after it subscribed.
const DefaultConsumerGroup = "loadharness"

// KafkaConnection is a Connection backed by a Kafka cluster. The destination
// name is the Kafka topic for both queues and topics; the destination type
// only decides how consumers are grouped.
type KafkaConnection struct {
	brokers []string
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewKafkaConnection creates an unstarted connection to the comma-separated
// broker addresses.
func NewKafkaConnection(brokers string, timeout time.Duration, log *zap.Logger) *KafkaConnection {
	if log == nil {
		log = zap.NewNop()
	}
	if brokers == "" {
		brokers = "localhost:9092"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaConnection{brokers: addrs, timeout: timeout, log: log}
}

// Brokers returns the broker addresses.
func (c *KafkaConnection) Brokers() []string { return c.brokers }

// Start checks that the first reachable broker accepts connections. Readers
// and writers dial lazily afterwards. Calling Start again is a no-op.
func (c *KafkaConnection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.started {
		return nil
	}

	var errs []error
	for _, broker := range c.brokers {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		c.started = true
		c.log.Debug("kafka reachable", zap.String("broker", broker))
		return nil
	}
	return fmt.Errorf("connecting to %s: %w", strings.Join(c.brokers, ","), errors.Join(errs...))
}

// CreateSession returns a session over the cluster.
func (c *KafkaConnection) CreateSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrConnectionClosed
	case !c.started:
		return nil, ErrNotStarted
	}
	return &kafkaSession{conn: c}, nil
}

// Close marks the connection closed. It is idempotent.
func (c *KafkaConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *KafkaConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type kafkaSession struct {
	conn   *KafkaConnection
	closed atomic.Bool
}

func (s *kafkaSession) check() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.conn.isClosed() {
		return ErrConnectionClosed
	}
	return nil
}

func (s *kafkaSession) CreateProducer(dest operation.Destination) (Producer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &kafkaProducer{w: &kafka.Writer{
		Addr:                   kafka.TCP(s.conn.brokers...),
		Topic:                  dest.Name,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              1,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           s.conn.timeout,
	}}, nil
}

func (s *kafkaSession) CreateConsumer(dest operation.Destination) (Consumer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	cfg := kafka.ReaderConfig{
		Brokers: s.conn.brokers,
		Topic:   dest.Name,
		GroupID: DefaultConsumerGroup,
	}
	if dest.Type == operation.Topic {
		cfg.GroupID = DefaultConsumerGroup + "-" + uuid.NewString()
		cfg.StartOffset = kafka.LastOffset
	}
	return &kafkaConsumer{r: kafka.NewReader(cfg)}, nil
}

func (s *kafkaSession) Close() error {
	s.closed.Store(true)
	return nil
}

type kafkaProducer struct {
	w *kafka.Writer
}

func (p *kafkaProducer) Send(ctx context.Context, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

type kafkaConsumer struct {
	r *kafka.Reader
}

func (c *kafkaConsumer) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := c.r.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, operation.ErrNoMessage
		}
		return nil, err
	}
	return msg.Value, nil
}

func (c *kafkaConsumer) Close() error { return c.r.Close() }
