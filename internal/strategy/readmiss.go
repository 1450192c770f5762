package strategy

import (
	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"go.uber.org/zap"
)

// ReadWriteOnMiss reads keys from the key provider and, when a read misses,
// writes the missed key.
//
// Thread Safety: Safe for concurrent use.
type ReadWriteOnMiss struct {
	*common
}

// NewReadWriteOnMiss creates an unconfigured read/write-on-miss strategy.
func NewReadWriteOnMiss(log *zap.Logger) *ReadWriteOnMiss {
	return &ReadWriteOnMiss{common: newCommon(log)}
}

// Configure reads keySize, valueSize, reuseValue and storeValues.
func (s *ReadWriteOnMiss) Configure(_ config.ServiceConfig, load config.LoadConfig) error {
	if err := s.configure(load); err != nil {
		return err
	}
	s.configured.Store(true)
	return nil
}

// Next writes the key of a missed read, and reads a fresh key otherwise.
func (s *ReadWriteOnMiss) Next(in Input) (operation.Operation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.shuttingDown(in) {
		return nil, nil
	}

	if read, ok := in.Last.(*operation.Read); ok && read.Miss() {
		if !s.budget.Take() {
			return nil, nil
		}
		value := s.values.Next()
		if err := s.keys.Record(read.Key(), value, s.cfg.StoreValues); err != nil {
			return nil, err
		}
		return operation.NewWrite(read.Key(), value), nil
	}
	return nextRead(s.common, "")
}
