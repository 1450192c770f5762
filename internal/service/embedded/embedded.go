// Package embedded provides an in-process service: a map-based cache and
// HTTP session store living in the harness itself.
package embedded

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/service"
	"go.uber.org/zap"
)

// Name is the registry name of the embedded service.
const Name = "embedded"

// ErrSessionNotFound is returned when writing or invalidating an unknown session.
var ErrSessionNotFound = errors.New("embedded: session not found")

// Service is the embedded cache and session store.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	log *zap.Logger

	mu       sync.RWMutex
	started  bool
	data     map[string][]byte
	sessions map[string]map[string][]byte
}

var (
	_ service.Service        = (*Service)(nil)
	_ operation.Cache        = (*Service)(nil)
	_ operation.SessionStore = (*Service)(nil)
)

// New creates a stopped embedded service.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:      log,
		data:     make(map[string][]byte),
		sessions: make(map[string]map[string][]byte),
	}
}

// Factory is the registry factory for the embedded service.
func Factory(log *zap.Logger) service.Service { return New(log) }

// Configure accepts any service configuration; the embedded service has no options.
func (s *Service) Configure(config.ServiceConfig) error { return nil }

// Start marks the service started.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		s.log.Debug("started")
	}
	return nil
}

// Stop marks the service stopped. The data is kept.
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		s.log.Debug("stopped", zap.Int("entries", len(s.data)), zap.Int("sessions", len(s.sessions)))
	}
	return nil
}

// IsStarted reports whether the service is started.
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Get returns a copy of the value stored under key.
func (s *Service) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, false, service.ErrNotStarted
	}
	v, ok := s.data[key]
	return bytes.Clone(v), ok, nil
}

// Put stores a copy of value under key.
func (s *Service) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return service.ErrNotStarted
	}
	s.data[key] = bytes.Clone(value)
	return nil
}

// Delete removes key.
func (s *Service) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return service.ErrNotStarted
	}
	delete(s.data, key)
	return nil
}

// Len returns the number of cache entries.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// CreateSession registers a session holding data under the "data" attribute.
func (s *Service) CreateSession(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return service.ErrNotStarted
	}
	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("embedded: session %s already exists", id)
	}
	s.sessions[id] = map[string][]byte{"data": bytes.Clone(data)}
	return nil
}

// WriteSession sets one attribute of a live session.
func (s *Service) WriteSession(_ context.Context, id, attribute string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return service.ErrNotStarted
	}
	attrs, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	attrs[attribute] = bytes.Clone(value)
	return nil
}

// InvalidateSession removes a live session.
func (s *Service) InvalidateSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return service.ErrNotStarted
	}
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// Sessions returns the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
