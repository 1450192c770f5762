package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/loadharness/internal/loadctrl"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/sampler"
	"github.com/example/loadharness/internal/service"
	"github.com/example/loadharness/internal/strategy"
	"go.uber.org/zap"
)

// Worker is one execution loop: ask the strategy for the next operation,
// perform it against the service, record the outcome, repeat.
//
// The loop ends when the strategy returns nil while shutting down, or when
// ctx is done. A nil during normal operation switches the worker into
// shutting down, so the strategy gets a chance to clean up. A strategy
// error ends the loop with that error; an operation error is only recorded.
// Idle operations are performed but neither throttled nor recorded.
type Worker struct {
	id       int
	strategy strategy.Strategy
	svc      service.Service
	sampler  *sampler.Sampler
	throttle *loadctrl.Throttle
	shutdown func() bool
	log      *zap.Logger

	state     atomic.Int32
	performed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker. shutdown reports the run-wide shutting-down
// flag; it may be nil.
func NewWorker(id int, strat strategy.Strategy, svc service.Service, smp *sampler.Sampler,
	throttle *loadctrl.Throttle, shutdown func() bool, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if shutdown == nil {
		shutdown = func() bool { return false }
	}
	return &Worker{
		id:       id,
		strategy: strat,
		svc:      svc,
		sampler:  smp,
		throttle: throttle,
		shutdown: shutdown,
		log:      log.With(zap.Int("worker", id)),
	}
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// State returns the worker state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Performed returns the number of operations performed, failed ones included.
func (w *Worker) Performed() int64 { return w.performed.Load() }

// Failed returns the number of operations that failed.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run executes the loop. It may be called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("%w: worker %d", ErrAlreadyStarted, w.id)
	}
	defer w.state.Store(int32(StateStopped))

	ctx = service.WithWorkerID(ctx, w.id)
	w.log.Debug("worker started")

	var (
		last           operation.Operation
		lastWrittenKey string
		draining       bool
	)
	for ctx.Err() == nil {
		if !draining && w.shutdown() {
			draining = true
			w.log.Debug("shutting down")
		}

		op, err := w.strategy.Next(strategy.Input{
			WorkerID:       w.id,
			Last:           last,
			LastWrittenKey: lastWrittenKey,
			ShuttingDown:   draining,
		})
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if op == nil {
			if draining {
				break
			}
			draining = true
			w.log.Debug("strategy exhausted, cleaning up")
			continue
		}

		if op.Kind() == operation.KindIdle {
			if err := op.Perform(ctx, w.svc); err != nil {
				break
			}
			continue
		}

		if err := w.throttle.Acquire(ctx); err != nil {
			break
		}

		start := time.Now()
		perr := op.Perform(ctx, w.svc)
		elapsed := time.Since(start)
		w.sampler.Record(start, elapsed, op, perr)

		w.performed.Add(1)
		if perr != nil {
			w.failed.Add(1)
		} else if op.Kind() == operation.KindWrite {
			lastWrittenKey = op.Key()
		}
		last = op

		if err := w.throttle.Pause(ctx); err != nil {
			break
		}
	}

	w.log.Debug("worker finished",
		zap.Int64("performed", w.performed.Load()),
		zap.Int64("failed", w.failed.Load()))
	return nil
}
