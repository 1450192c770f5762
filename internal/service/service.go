// Package service defines the lifecycle contract of a backend under load and
// the registry that instantiates backends by name.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/loadharness/internal/config"
	"go.uber.org/zap"
)

// Errors returned by the service package.
var (
	// ErrUnknownService is returned when no factory is registered under a name.
	ErrUnknownService = errors.New("service: unknown service")
	// ErrNotStarted is returned when a service is used before Start.
	ErrNotStarted = errors.New("service: not started")
)

// Service is a started/stopped handle to a backend. Operations reach the
// backend through capability interfaces the concrete service implements.
//
// Start and Stop must be idempotent.
type Service interface {
	Configure(cfg config.ServiceConfig) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool
}

// Factory creates an unconfigured service.
type Factory func(log *zap.Logger) Service

// Registry maps service names to factories.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, replacing any previous one with the same name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New instantiates the service registered under name.
func (r *Registry) New(name string, log *zap.Logger) (Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownService, name, r.Names())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return factory(log.Named(name)), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
