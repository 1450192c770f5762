package strategy

import (
	"fmt"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"go.uber.org/zap"
)

// messaging holds what the send and receive strategies share.
type messaging struct {
	*common
	dest    operation.Destination
	timeout time.Duration
}

func (m *messaging) configureDestination(svc config.ServiceConfig, load config.LoadConfig) error {
	cfg := load.Strategy
	name, typ := cfg.Destination, cfg.DestinationType
	if name == "" {
		name = svc.JMS.DefaultDestination
	}
	if typ == "" {
		typ = svc.JMS.DefaultDestinationType
	}
	if name == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidConfig)
	}
	dt, err := operation.ParseDestinationType(typ)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ReceiveTimeout < 0 {
		return fmt.Errorf("%w: receiveTimeout must be non-negative", ErrInvalidConfig)
	}
	if err := m.configure(load); err != nil {
		return err
	}
	m.dest = operation.Destination{Name: name, Type: dt}
	m.timeout = cfg.ReceiveTimeout
	m.configured.Store(true)
	m.log.Debug("configured", zap.Stringer("destination", m.dest))
	return nil
}

// Destination returns the configured destination.
func (m *messaging) Destination() operation.Destination { return m.dest }

// JMSSend sends generated payloads to one destination.
//
// Thread Safety: Safe for concurrent use.
type JMSSend struct {
	messaging
}

// NewJMSSend creates an unconfigured send strategy.
func NewJMSSend(log *zap.Logger) *JMSSend {
	return &JMSSend{messaging{common: newCommon(log)}}
}

// Configure requires a destination, either its own or the service default.
func (s *JMSSend) Configure(svc config.ServiceConfig, load config.LoadConfig) error {
	return s.configureDestination(svc, load)
}

// Next returns a send of a payload of valueSize bytes.
func (s *JMSSend) Next(in Input) (operation.Operation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.shuttingDown(in) || !s.budget.Take() {
		return nil, nil
	}
	return operation.NewSend(s.dest, s.values.Next()), nil
}

// JMSReceive receives from one destination, waiting up to receiveTimeout
// for each message.
//
// Thread Safety: Safe for concurrent use.
type JMSReceive struct {
	messaging
}

// NewJMSReceive creates an unconfigured receive strategy.
func NewJMSReceive(log *zap.Logger) *JMSReceive {
	return &JMSReceive{messaging{common: newCommon(log)}}
}

// Configure requires a destination, either its own or the service default.
func (s *JMSReceive) Configure(svc config.ServiceConfig, load config.LoadConfig) error {
	return s.configureDestination(svc, load)
}

// Next returns a receive.
func (s *JMSReceive) Next(in Input) (operation.Operation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.shuttingDown(in) || !s.budget.Take() {
		return nil, nil
	}
	return operation.NewReceive(s.dest, s.timeout), nil
}
