// Package strategy contains the load strategies: state machines that decide,
// operation by operation, what a worker does next.
//
// A Strategy is configured once, started once, asked for the next operation
// by many workers concurrently and stopped once. Next returns a nil
// operation when the strategy is exhausted. Once a caller passes
// ShuttingDown, the strategy only issues cleanup operations until it has
// nothing left to clean up.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"go.uber.org/zap"
)

// Errors returned by strategies.
var (
	// ErrInvalidConfig is returned by Configure for a missing or malformed option.
	ErrInvalidConfig = errors.New("strategy: invalid configuration")
	// ErrNotConfigured is returned by Next before Configure succeeded.
	ErrNotConfigured = errors.New("strategy: not configured")
	// ErrUnknownStrategy is returned when no strategy is registered under a name.
	ErrUnknownStrategy = errors.New("strategy: unknown strategy")
)

// Input is what a worker tells the strategy when asking for the next operation.
type Input struct {
	// WorkerID identifies the calling worker.
	WorkerID int
	// Last is the operation the worker performed previously, or nil.
	Last operation.Operation
	// LastWrittenKey is the key of the worker's most recent write, or "".
	LastWrittenKey string
	// ShuttingDown switches the strategy into cleanup. It is one-way.
	ShuttingDown bool
}

// Strategy produces the operations of a run.
//
// Thread Safety: Next is safe for concurrent use unless the implementation
// says otherwise, in which case it implements PerWorker.
type Strategy interface {
	Configure(svc config.ServiceConfig, load config.LoadConfig) error
	Start() error
	Stop() error
	IsStarted() bool
	// Next returns the next operation, or nil when there is nothing left to do.
	// An error is a programming error and aborts the run.
	Next(in Input) (operation.Operation, error)
}

// PerWorker is implemented by strategies whose Next is not safe for
// concurrent use. The runner asks for one instance per worker; forks share
// the operation budget and key store of their parent.
type PerWorker interface {
	ForWorker(workerID int) Strategy
}

// Strategy names.
const (
	NameWriteRead       = "write-read"
	NameReadWriteOnMiss = "read-write-on-miss"
	NameJMSSend         = "jms-send"
	NameJMSReceive      = "jms-receive"
	NameHTTPSession     = "http-session"
)

// Factory creates an unconfigured strategy.
type Factory func(log *zap.Logger) Strategy

// Registry maps strategy names to factories.
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

// DefaultRegistry returns a registry holding every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameWriteRead, func(log *zap.Logger) Strategy { return NewWriteRead(log) })
	r.Register(NameReadWriteOnMiss, func(log *zap.Logger) Strategy { return NewReadWriteOnMiss(log) })
	r.Register(NameJMSSend, func(log *zap.Logger) Strategy { return NewJMSSend(log) })
	r.Register(NameJMSReceive, func(log *zap.Logger) Strategy { return NewJMSReceive(log) })
	r.Register(NameHTTPSession, func(log *zap.Logger) Strategy { return NewHTTPSession(log) })
	return r
}

// Register adds a factory, replacing any previous one with the same name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New instantiates the strategy registered under name.
func (r *Registry) New(name string, log *zap.Logger) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStrategy, name, r.Names())
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
