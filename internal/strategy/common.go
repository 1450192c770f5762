package strategy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/keystore"
	"go.uber.org/zap"
)

// common is the state every strategy shares: options, budget, key store,
// value source and lifecycle.
type common struct {
	log        *zap.Logger
	cfg        config.StrategyConfig
	budget     *Budget
	keys       *keystore.Keys
	values     *valueSource
	configured atomic.Bool
	started    atomic.Bool
	draining   atomic.Bool
}

func newCommon(log *zap.Logger) *common {
	if log == nil {
		log = zap.NewNop()
	}
	return &common{log: log}
}

func (c *common) configure(load config.LoadConfig) error {
	cfg := load.Strategy
	if cfg.KeySize <= 0 {
		return fmt.Errorf("%w: keySize must be positive, got %d", ErrInvalidConfig, cfg.KeySize)
	}
	if cfg.ValueSize < 0 {
		return fmt.Errorf("%w: valueSize must be non-negative, got %d", ErrInvalidConfig, cfg.ValueSize)
	}
	keys, err := keystore.Open(load.KeyStore, cfg.KeySize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.cfg = cfg
	c.keys = keys
	c.budget = NewBudget(load.OperationCount)
	c.values = newValueSource(cfg.ValueSize, cfg.ReuseValue)
	return nil
}

func (c *common) ready() error {
	if !c.configured.Load() {
		return ErrNotConfigured
	}
	return nil
}

// shuttingDown latches the shutdown flag: once any caller has passed it,
// every later call sees it.
func (c *common) shuttingDown(in Input) bool {
	if in.ShuttingDown {
		c.draining.Store(true)
		return true
	}
	return c.draining.Load()
}

// Start opens the key store. It is idempotent.
func (c *common) Start() error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.started.Swap(true) {
		return nil
	}
	if err := c.keys.Start(); err != nil {
		c.started.Store(false)
		return fmt.Errorf("starting key store: %w", err)
	}
	return nil
}

// Stop closes the key store. Stopping a strategy that is not started is a no-op.
func (c *common) Stop() error {
	if !c.started.Swap(false) {
		return nil
	}
	return c.keys.Stop()
}

func (c *common) IsStarted() bool { return c.started.Load() }

// Keys returns the key store, or nil before Configure.
func (c *common) Keys() *keystore.Keys { return c.keys }

// Budget returns the shared operation budget; nil means unlimited.
func (c *common) Budget() *Budget { return c.budget }

// valueSource generates values of a fixed size. With reuse it generates one
// value and returns it every time.
type valueSource struct {
	size   uint
	shared []byte

	mu    sync.Mutex
	faker *gofakeit.Faker
}

func newValueSource(size int, reuse bool) *valueSource {
	v := &valueSource{size: uint(size), faker: gofakeit.New(0)}
	if reuse {
		v.shared = v.generate()
	}
	return v
}

func (v *valueSource) Next() []byte {
	if v.shared != nil {
		return v.shared
	}
	return v.generate()
}

func (v *valueSource) generate() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.size == 0 {
		return []byte{}
	}
	return []byte(v.faker.LetterN(v.size))
}
