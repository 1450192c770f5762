// Package runner drives a load run: N workers share one service, strategy
// and sampler until the strategy is exhausted, the duration elapses or the
// run is stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/loadctrl"
	"github.com/example/loadharness/internal/sampler"
	"github.com/example/loadharness/internal/service"
	"github.com/example/loadharness/internal/strategy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the runner package.
var (
	// ErrAlreadyStarted is returned when a runner or worker is started twice.
	ErrAlreadyStarted = errors.New("runner: already started")
	// ErrNotStarted is returned when waiting on a runner that was never started.
	ErrNotStarted = errors.New("runner: not started")
)

// State is the lifecycle state of a runner or worker.
type State int32

// States.
const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Gauges receives run-level updates, typically a Prometheus exporter.
type Gauges interface {
	UpdateActiveWorkers(count int)
	UpdateShuttingDown(shuttingDown bool)
}

// Status is a point-in-time view of a run.
type Status struct {
	State         State
	Elapsed       time.Duration
	Threads       int
	ActiveWorkers int
	ShuttingDown  bool
	Performed     int64
	Failed        int64
	// RemainingBudget is -1 when the run has no operation budget.
	RemainingBudget int64
	// ThrottleWait is the time workers spent blocked on the throughput cap.
	ThrottleWait time.Duration
}

// MultiRunner coordinates the workers of a run.
//
// Thread Safety: Safe for concurrent use.
type MultiRunner struct {
	load     config.LoadConfig
	svc      service.Service
	strategy strategy.Strategy
	sampler  *sampler.Sampler
	throttle *loadctrl.Throttle
	guard    *ExitGuard
	log      *zap.Logger

	mu      sync.Mutex
	gauges  []Gauges
	workers []*Worker

	state        atomic.Int32
	shuttingDown atomic.Bool
	active       atomic.Int32
	startTime    time.Time
	cancel       context.CancelFunc
	timer        *time.Timer
	done         chan struct{}
	err          error

	stopOnce sync.Once
	stopErr  error
}

// New creates a runner for a configured service and strategy.
func New(load config.LoadConfig, svc service.Service, strat strategy.Strategy, smp *sampler.Sampler, log *zap.Logger) *MultiRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiRunner{
		load:     load,
		svc:      svc,
		strategy: strat,
		sampler:  smp,
		throttle: loadctrl.NewThrottle(load),
		guard:    NewExitGuard(),
		log:      log,
		done:     make(chan struct{}),
	}
}

// AddGauges registers g for active-worker and shutting-down updates.
func (m *MultiRunner) AddGauges(g Gauges) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, g)
}

// ExitGuard returns the guard Wait holds on after the workers finish.
func (m *MultiRunner) ExitGuard() *ExitGuard { return m.guard }

// Run starts the run and, unless the load is configured for background
// mode, waits for it to finish and tears it down.
func (m *MultiRunner) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	if m.load.Background {
		return nil
	}
	return m.Wait(ctx)
}

// Start starts the service, strategy and sampler, then spawns the workers
// and returns.
func (m *MultiRunner) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	if !m.svc.IsStarted() {
		if err := m.svc.Start(ctx); err != nil {
			m.fail(ctx)
			return fmt.Errorf("starting service: %w", err)
		}
	}
	if err := m.strategy.Start(); err != nil {
		m.fail(ctx)
		return fmt.Errorf("starting strategy: %w", err)
	}
	if err := m.sampler.Start(ctx); err != nil {
		m.fail(ctx)
		return fmt.Errorf("starting sampler: %w", err)
	}

	threads := max(1, m.load.Threads)
	workers := make([]*Worker, threads)
	for i := range workers {
		strat := m.strategy
		if pw, ok := strat.(strategy.PerWorker); ok {
			strat = pw.ForWorker(i)
		}
		workers[i] = NewWorker(i, strat, m.svc, m.sampler, m.throttle, m.shuttingDown.Load, m.log)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	m.mu.Lock()
	m.workers = workers
	m.cancel = cancel
	m.startTime = time.Now()
	if m.load.Duration > 0 {
		m.timer = time.AfterFunc(m.load.Duration, func() {
			m.log.Info("duration elapsed", zap.Duration("duration", m.load.Duration))
			m.RequestShutdown()
		})
	}
	m.mu.Unlock()

	m.log.Info("run started",
		zap.Int("threads", threads),
		zap.Duration("duration", m.load.Duration),
		zap.Int64("operationCount", m.load.OperationCount),
		zap.Bool("background", m.load.Background))

	m.active.Store(int32(threads))
	m.updateGauges()
	for _, w := range workers {
		g.Go(func() error {
			defer func() {
				m.active.Add(-1)
				m.updateGauges()
			}()
			return w.Run(gctx)
		})
	}

	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.err = err
		if m.timer != nil {
			m.timer.Stop()
		}
		m.mu.Unlock()
		cancel()
		if err != nil {
			m.log.Error("run aborted", zap.Error(err))
		} else {
			m.log.Info("workers finished", zap.Duration("elapsed", time.Since(m.startTime)))
		}
		close(m.done)
	}()
	return nil
}

// fail stops whatever Start managed to start.
func (m *MultiRunner) fail(ctx context.Context) {
	close(m.done)
	_ = m.Stop(ctx)
}

// Done is closed once every worker has finished.
func (m *MultiRunner) Done() <-chan struct{} { return m.done }

// Wait blocks until every worker has finished and the exit guard is
// released, then tears the run down. It returns the first worker error.
func (m *MultiRunner) Wait(ctx context.Context) error {
	if State(m.state.Load()) == StateCreated {
		return ErrNotStarted
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		m.Cancel()
		<-m.done
	}
	if err := m.guard.Wait(ctx); err != nil {
		m.log.Warn("exit guard abandoned", zap.Error(err))
	}
	if err := m.Stop(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return m.Err()
}

// RequestShutdown flips the run into shutting down: workers finish their
// cleanup operations and exit. It is level-triggered and idempotent.
func (m *MultiRunner) RequestShutdown() {
	if m.shuttingDown.CompareAndSwap(false, true) {
		m.log.Info("shutdown requested")
		m.updateGauges()
	}
}

// Cancel stops the workers without cleanup.
func (m *MultiRunner) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop requests shutdown if the workers are still running, waits for them
// and then stops the strategy, the sampler and the service, in that order.
// Only the first call has an effect; later calls return its result.
func (m *MultiRunner) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if State(m.state.Load()) != StateCreated {
			select {
			case <-m.done:
			default:
				m.RequestShutdown()
				select {
				case <-m.done:
				case <-ctx.Done():
					m.Cancel()
					<-m.done
				}
			}
		}

		var errs []error
		if err := m.strategy.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping strategy: %w", err))
		}
		m.sampler.Stop()
		if err := m.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping service: %w", err))
		}
		m.state.Store(int32(StateStopped))
		m.stopErr = errors.Join(errs...)
		m.log.Info("run stopped")
	})
	return m.stopErr
}

// Err returns the error that aborted the run, if any.
func (m *MultiRunner) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Status returns a snapshot of the run.
func (m *MultiRunner) Status() Status {
	m.mu.Lock()
	workers := m.workers
	start := m.startTime
	m.mu.Unlock()

	st := Status{
		State:           State(m.state.Load()),
		Threads:         len(workers),
		ActiveWorkers:   int(m.active.Load()),
		ShuttingDown:    m.shuttingDown.Load(),
		RemainingBudget: -1,
		ThrottleWait:    m.throttle.Stats().Waited,
	}
	if !start.IsZero() {
		st.Elapsed = time.Since(start)
	}
	for _, w := range workers {
		st.Performed += w.Performed()
		st.Failed += w.Failed()
	}
	if b, ok := m.strategy.(interface{ Budget() *strategy.Budget }); ok {
		st.RemainingBudget = b.Budget().Remaining()
	}
	return st
}

// updateGauges holds mu across the update so the last write reflects the
// latest worker count.
func (m *MultiRunner) updateGauges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gauges {
		g.UpdateActiveWorkers(int(m.active.Load()))
		g.UpdateShuttingDown(m.shuttingDown.Load())
	}
}
