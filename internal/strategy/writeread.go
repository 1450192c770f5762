package strategy

import (
	"fmt"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"go.uber.org/zap"
)

// WriteRead alternates writes and reads in a fixed ratio: one write
// followed by ReadToWriteRatio reads, or WriteToReadRatio writes followed by
// one read. Reads target the worker's last written key when there is one.
//
// Thread Safety: Next is NOT safe for concurrent use. The runner obtains one
// fork per worker through ForWorker.
type WriteRead struct {
	*common
	shared *writeReadCycle
	pos    int
}

type writeReadCycle struct {
	writes int
	reads  int
}

// NewWriteRead creates an unconfigured write/read ratio strategy.
func NewWriteRead(log *zap.Logger) *WriteRead {
	return &WriteRead{common: newCommon(log), shared: &writeReadCycle{}}
}

// Configure reads keySize, valueSize, reuseValue, storeValues and at most
// one of readToWriteRatio and writeToReadRatio. Without either ratio every
// write is followed by one read.
func (s *WriteRead) Configure(_ config.ServiceConfig, load config.LoadConfig) error {
	cfg := load.Strategy
	r, w := cfg.ReadToWriteRatio, cfg.WriteToReadRatio
	switch {
	case r != nil && w != nil:
		return fmt.Errorf("%w: readToWriteRatio and writeToReadRatio are mutually exclusive", ErrInvalidConfig)
	case r != nil && *r < 0:
		return fmt.Errorf("%w: readToWriteRatio must be non-negative, got %d", ErrInvalidConfig, *r)
	case w != nil && *w < 0:
		return fmt.Errorf("%w: writeToReadRatio must be non-negative, got %d", ErrInvalidConfig, *w)
	}
	if err := s.configure(load); err != nil {
		return err
	}

	switch {
	case r != nil:
		s.shared.writes, s.shared.reads = 1, *r
	case w != nil:
		s.shared.writes, s.shared.reads = *w, 1
	default:
		s.shared.writes, s.shared.reads = 1, 1
	}
	s.configured.Store(true)
	s.log.Debug("configured",
		zap.Int("writes", s.shared.writes),
		zap.Int("reads", s.shared.reads),
		zap.Int64("budget", s.budget.Remaining()))
	return nil
}

// ForWorker returns a fork with its own position in the cycle.
func (s *WriteRead) ForWorker(int) Strategy {
	return &WriteRead{common: s.common, shared: s.shared}
}

// Next returns the next write or read of the cycle, or nil when the budget
// or the key provider is exhausted. The strategy has no cleanup to do.
func (s *WriteRead) Next(in Input) (operation.Operation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.shuttingDown(in) {
		return nil, nil
	}

	period := s.shared.writes + s.shared.reads
	write := s.pos%period < s.shared.writes
	s.pos = (s.pos + 1) % period

	if write {
		return nextWrite(s.common)
	}
	return nextRead(s.common, in.LastWrittenKey)
}

// nextWrite draws a key, generates a value and records the key in the key
// store. It returns nil once the budget or the provider is exhausted.
func nextWrite(c *common) (operation.Operation, error) {
	if !c.budget.Take() {
		return nil, nil
	}
	key, ok := c.keys.Get()
	if !ok {
		return nil, nil
	}
	value := c.values.Next()
	if err := c.keys.Record(key, value, c.cfg.StoreValues); err != nil {
		return nil, fmt.Errorf("recording key %q: %w", key, err)
	}
	return operation.NewWrite(key, value), nil
}

// nextRead reads key, or a key from the provider when key is empty.
// The budget is taken first so no key is drawn once it is spent.
func nextRead(c *common, key string) (operation.Operation, error) {
	if !c.budget.Take() {
		return nil, nil
	}
	if key == "" {
		var ok bool
		if key, ok = c.keys.ReadKey(); !ok {
			return nil, nil
		}
	}
	return operation.NewRead(key), nil
}
