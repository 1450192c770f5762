// Package jmsservice provides a messaging service that performs sends and
// receives through a jms.Manager, over an in-process broker or NATS.
package jmsservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/jms"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/service"
	"go.uber.org/zap"
)

// Name is the registry name of the messaging service.
const Name = "jms"

// Providers.
const (
	ProviderMemory = "memory"
	ProviderNATS   = "nats"
	ProviderKafka  = "kafka"
)

// Service checks an endpoint out of its manager for every operation and
// returns it afterwards.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	log    *zap.Logger
	cfg    config.JMSConfig
	policy jms.EndpointPolicy
	broker *jms.MemoryBroker

	mu      sync.RWMutex
	manager *jms.Manager
}

var (
	_ service.Service     = (*Service)(nil)
	_ operation.Messaging = (*Service)(nil)
)

// New creates an unconfigured messaging service with its own in-process broker.
func New(log *zap.Logger) *Service {
	return NewWithBroker(log, jms.NewMemoryBroker(0))
}

// NewWithBroker creates a messaging service whose memory provider connects
// to broker, so that several services can exchange messages.
func NewWithBroker(log *zap.Logger, broker *jms.MemoryBroker) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log, broker: broker}
}

// Factory is the registry factory for the messaging service.
func Factory(log *zap.Logger) service.Service { return New(log) }

// Configure reads the jms section of cfg.
func (s *Service) Configure(cfg config.ServiceConfig) error {
	switch cfg.JMS.Provider {
	case "", ProviderMemory, ProviderNATS, ProviderKafka:
	default:
		return fmt.Errorf("%w: unknown jms provider %q", config.ErrInvalidConfig, cfg.JMS.Provider)
	}
	policy, err := jms.ParseEndpointPolicy(cfg.JMS.EndpointPolicy)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	s.cfg = cfg.JMS
	s.policy = policy
	return nil
}

// Start opens the connection and its resource manager. It is a no-op when
// already started.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager != nil {
		return nil
	}

	var conn jms.Connection
	switch s.cfg.Provider {
	case ProviderNATS:
		conn = jms.NewNATSConnection(s.cfg.URL, "loadharness", s.cfg.ConnectTimeout, s.log.Named("nats"))
	case ProviderKafka:
		conn = jms.NewKafkaConnection(s.cfg.URL, s.cfg.ConnectTimeout, s.log.Named("kafka"))
	default:
		conn = s.broker.Connect()
	}
	manager, err := jms.NewManager(conn, s.policy, s.log.Named("resources"))
	if err != nil {
		return err
	}
	s.manager = manager
	s.log.Info("started",
		zap.String("provider", s.cfg.Provider),
		zap.Stringer("policy", s.policy))
	return nil
}

// Stop closes the resource manager, its cached sessions and the connection.
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manager == nil {
		return nil
	}
	s.manager.Close()
	s.manager = nil
	return nil
}

// IsStarted reports whether the service holds an open manager.
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager != nil
}

// Manager returns the resource manager, or nil when stopped.
func (s *Service) Manager() *jms.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager
}

// Send sends op's payload to its destination.
func (s *Service) Send(ctx context.Context, op *operation.Send) error {
	m := s.Manager()
	if m == nil {
		return service.ErrNotStarted
	}
	ep, err := m.CheckOutEndpoint(ctx, op)
	if err != nil {
		return err
	}
	defer m.ReturnEndpoint(ep)
	return ep.Send(ctx, op.Payload)
}

// Receive waits up to op.Timeout for a message and stores it on op.
func (s *Service) Receive(ctx context.Context, op *operation.Receive) error {
	m := s.Manager()
	if m == nil {
		return service.ErrNotStarted
	}
	ep, err := m.CheckOutEndpoint(ctx, op)
	if err != nil {
		return err
	}
	defer m.ReturnEndpoint(ep)
	payload, err := ep.Receive(ctx, op.Timeout)
	if err != nil {
		return err
	}
	op.Payload = payload
	return nil
}
