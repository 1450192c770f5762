package runner

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/sampler"
	"github.com/example/loadharness/internal/service/embedded"
	"github.com/example/loadharness/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func testConfig(mod func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Sampler.Interval = time.Hour
	if mod != nil {
		mod(cfg)
	}
	return cfg
}

func newSampler() *sampler.Sampler {
	return sampler.New(config.SamplerConfig{Interval: time.Hour}, nil)
}

// recordingCache wraps the embedded service and remembers written keys.
type recordingCache struct {
	*embedded.Service
	mu   sync.Mutex
	puts []string
}

func (c *recordingCache) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.puts = append(c.puts, key)
	c.mu.Unlock()
	return c.Service.Put(ctx, key, value)
}

func (c *recordingCache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.puts...)
}

// failingCache fails every operation.
type failingCache struct{}

func (failingCache) Configure(config.ServiceConfig) error { return nil }
func (failingCache) Start(context.Context) error          { return nil }
func (failingCache) Stop(context.Context) error           { return nil }
func (failingCache) IsStarted() bool                      { return true }

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingCache) Put(context.Context, string, []byte) error { return errors.New("backend down") }
func (failingCache) Delete(context.Context, string) error      { return errors.New("backend down") }

// brokenStrategy fails on the first Next.
type brokenStrategy struct {
	started atomic.Bool
}

func (s *brokenStrategy) Configure(config.ServiceConfig, config.LoadConfig) error { return nil }
func (s *brokenStrategy) Start() error                                            { s.started.Store(true); return nil }
func (s *brokenStrategy) Stop() error                                             { s.started.Store(false); return nil }
func (s *brokenStrategy) IsStarted() bool                                         { return s.started.Load() }
func (s *brokenStrategy) Next(strategy.Input) (operation.Operation, error) {
	return nil, errors.New("key source exhausted")
}

// gaugeRecorder captures run gauges.
type gaugeRecorder struct {
	mu           sync.Mutex
	active       []int
	shuttingDown bool
}

func (g *gaugeRecorder) UpdateActiveWorkers(count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = append(g.active, count)
}

func (g *gaugeRecorder) UpdateShuttingDown(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shuttingDown = v
}

func TestRun_WriteOnlyBudget(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Threads = 1
		c.Load.OperationCount = 2
		c.Load.Strategy.ReadToWriteRatio = intPtr(0)
		c.Load.Strategy.KeySize = 3
		c.Load.Strategy.ValueSize = 7
		c.Load.Strategy.ReuseValue = true
		c.Load.KeyStore.Type = config.KeyStoreMemory
	})

	emb := embedded.New(nil)
	svc := &recordingCache{Service: emb}
	strat := strategy.NewWriteRead(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	smp := newSampler()

	r := New(cfg.Load, svc, strat, smp, nil)
	require.NoError(t, r.Run(context.Background()))

	keys := svc.keys()
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
	assert.Equal(t, 2, emb.Len())
	for _, k := range keys {
		assert.Len(t, k, 3)
		entry, err := strat.Keys().Retrieve(k)
		require.NoError(t, err)
		assert.False(t, entry.ValueStored)
	}

	totals := smp.Totals()
	assert.Equal(t, int64(2), totals[operation.KindWrite].Successes)
	assert.Equal(t, int64(0), totals[operation.KindRead].Count())

	st := r.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, int64(2), st.Performed)
	assert.Equal(t, int64(0), st.RemainingBudget)
	assert.False(t, emb.IsStarted())
	assert.False(t, strat.IsStarted())
}

func TestRun_OperationFailuresDoNotAbort(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Threads = 2
		c.Load.OperationCount = 10
		c.Load.Strategy.ReadToWriteRatio = intPtr(1)
	})
	strat := strategy.NewWriteRead(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	smp := newSampler()

	r := New(cfg.Load, failingCache{}, strat, smp, nil)
	require.NoError(t, r.Run(context.Background()))

	st := r.Status()
	assert.Equal(t, int64(10), st.Performed)
	assert.Equal(t, int64(10), st.Failed)

	totals := smp.Totals()
	assert.Equal(t, int64(10), totals[operation.KindWrite].Failures+totals[operation.KindRead].Failures)
}

func TestRun_StrategyErrorAborts(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Load.Threads = 3 })
	strat := &brokenStrategy{}

	r := New(cfg.Load, embedded.New(nil), strat, newSampler(), nil)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key source exhausted")
	assert.Equal(t, err, r.Err())
	assert.False(t, strat.IsStarted())
}

func TestRun_DurationDrainsSessionPool(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Strategy.Name = strategy.NameHTTPSession
		c.Load.Threads = 4
		c.Load.Duration = 100 * time.Millisecond
		c.Load.Delay = time.Millisecond
		c.Load.Strategy.SessionCount = 5
		c.Load.Strategy.WritesPerSession = 3
	})
	strat := strategy.NewHTTPSession(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	smp := newSampler()
	gauges := &gaugeRecorder{}

	emb := embedded.New(nil)
	r := New(cfg.Load, emb, strat, smp, nil)
	r.AddGauges(gauges)

	start := time.Now()
	require.NoError(t, r.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, 0, strat.Active())
	totals := smp.Totals()
	creates := totals[operation.KindSessionCreate].Count()
	assert.Positive(t, creates)
	assert.Equal(t, creates, totals[operation.KindSessionInvalidate].Count())
	assert.Zero(t, emb.Sessions())
	for _, kind := range []operation.Kind{operation.KindSessionCreate, operation.KindSessionWrite, operation.KindSessionInvalidate} {
		assert.Zero(t, totals[kind].Failures, "%s failures", kind)
	}
	assert.NotContains(t, totals, operation.KindIdle)

	st := r.Status()
	assert.Zero(t, st.Failed)
	assert.True(t, st.ShuttingDown)
	assert.Equal(t, 0, st.ActiveWorkers)
	assert.Equal(t, int64(-1), st.RemainingBudget)

	gauges.mu.Lock()
	defer gauges.mu.Unlock()
	assert.True(t, gauges.shuttingDown)
	require.NotEmpty(t, gauges.active)
	assert.Equal(t, 0, gauges.active[len(gauges.active)-1])
}

func TestRun_SessionPoolUnderContention(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Strategy.Name = strategy.NameHTTPSession
		c.Load.Threads = 16
		c.Load.OperationCount = 5000
		c.Load.Strategy.SessionCount = 4
		c.Load.Strategy.WritesPerSession = 1
	})
	strat := strategy.NewHTTPSession(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	smp := newSampler()
	emb := embedded.New(nil)

	r := New(cfg.Load, emb, strat, smp, nil)
	require.NoError(t, r.Run(context.Background()))

	totals := smp.Totals()
	for _, kind := range []operation.Kind{operation.KindSessionCreate, operation.KindSessionWrite, operation.KindSessionInvalidate} {
		assert.Zero(t, totals[kind].Failures, "%s failures", kind)
	}
	assert.Equal(t, totals[operation.KindSessionCreate].Successes, totals[operation.KindSessionInvalidate].Successes)
	assert.Zero(t, strat.Active())
	assert.Zero(t, emb.Sessions())

	st := r.Status()
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.RemainingBudget)
}

func TestRun_SingleWorkerSessionsInvalidated(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Threads = 1
		c.Load.OperationCount = 7
		c.Load.Strategy.SessionCount = 2
		c.Load.Strategy.WritesPerSession = 4
	})
	emb := embedded.New(nil)
	strat := strategy.NewHTTPSession(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	smp := newSampler()

	r := New(cfg.Load, emb, strat, smp, nil)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 0, emb.Sessions())
	totals := smp.Totals()
	assert.Equal(t, int64(2), totals[operation.KindSessionCreate].Successes)
	assert.Equal(t, int64(2), totals[operation.KindSessionInvalidate].Successes)
	assert.Equal(t, int64(0), totals[operation.KindSessionInvalidate].Failures)
}

func TestRun_BackgroundWithExitGuard(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Threads = 2
		c.Load.Background = true
		c.Load.Delay = time.Millisecond
	})
	strat := strategy.NewWriteRead(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))

	r := New(cfg.Load, embedded.New(nil), strat, newSampler(), nil)
	r.ExitGuard().Hold()
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, StateRunning, r.Status().State)

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.Wait(context.Background()) }()

	r.RequestShutdown()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish after shutdown request")
	}

	select {
	case <-waitErr:
		t.Fatal("Wait returned while the exit guard was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateRunning, r.Status().State)

	r.ExitGuard().Release()
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after release")
	}
	assert.Equal(t, StateStopped, r.Status().State)
	assert.Positive(t, r.Status().Performed)
}

func TestRun_CancelIsHardStop(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Load.Threads = 2
		c.Load.Strategy.SessionCount = 3
		c.Load.Delay = time.Millisecond
	})
	strat := strategy.NewHTTPSession(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := New(cfg.Load, embedded.New(nil), strat, newSampler(), nil)
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, StateStopped, r.Status().State)
	assert.False(t, r.Status().ShuttingDown)
}

func TestMultiRunner_Lifecycle(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Load.OperationCount = 3 })

	t.Run("start twice", func(t *testing.T) {
		strat := strategy.NewWriteRead(nil)
		require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
		r := New(cfg.Load, embedded.New(nil), strat, newSampler(), nil)

		require.NoError(t, r.Start(context.Background()))
		assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
		require.NoError(t, r.Wait(context.Background()))
	})

	t.Run("wait before start", func(t *testing.T) {
		strat := strategy.NewWriteRead(nil)
		r := New(cfg.Load, embedded.New(nil), strat, newSampler(), nil)
		assert.ErrorIs(t, r.Wait(context.Background()), ErrNotStarted)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		strat := strategy.NewWriteRead(nil)
		require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
		emb := embedded.New(nil)
		r := New(cfg.Load, emb, strat, newSampler(), nil)

		require.NoError(t, r.Start(context.Background()))
		require.NoError(t, r.Stop(context.Background()))
		require.NoError(t, r.Stop(context.Background()))
		assert.False(t, emb.IsStarted())
		assert.Equal(t, StateStopped, r.Status().State)
	})

	t.Run("unconfigured strategy fails start", func(t *testing.T) {
		strat := strategy.NewWriteRead(nil)
		emb := embedded.New(nil)
		r := New(cfg.Load, emb, strat, newSampler(), nil)

		err := r.Start(context.Background())
		assert.ErrorIs(t, err, strategy.ErrNotConfigured)
		assert.False(t, emb.IsStarted())
	})
}

func TestWorker_RunOnce(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.Load.OperationCount = 1 })
	strat := strategy.NewWriteRead(nil)
	require.NoError(t, strat.Configure(cfg.Service, cfg.Load))
	require.NoError(t, strat.Start())
	emb := embedded.New(nil)
	require.NoError(t, emb.Start(context.Background()))

	w := NewWorker(7, strat, emb, newSampler(), nil, nil, nil)
	assert.Equal(t, 7, w.ID())
	assert.Equal(t, StateCreated, w.State())

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, int64(1), w.Performed())
	assert.Equal(t, int64(0), w.Failed())

	assert.ErrorIs(t, w.Run(context.Background()), ErrAlreadyStarted)
}

func TestExitGuard(t *testing.T) {
	g := NewExitGuard()
	assert.False(t, g.Held())
	require.NoError(t, g.Wait(context.Background()))

	g.Hold()
	g.Hold()
	assert.True(t, g.Held())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.Release()
	g.Release()
	require.NoError(t, <-done)
	assert.False(t, g.Held())
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, 2*time.Second, map[operation.Kind]sampler.Stats{
		operation.KindWrite: {Kind: operation.KindWrite, Successes: 8, Failures: 2},
		operation.KindRead:  {Kind: operation.KindRead},
	})
	out := buf.String()
	assert.Contains(t, out, "LOAD RUN RESULTS")
	assert.Contains(t, out, "Operations:     10")
	assert.Contains(t, out, "Ops/sec:        5.00")
	assert.Contains(t, out, string(operation.KindWrite))
	assert.NotContains(t, out, "║  "+string(operation.KindRead)+" ")

	buf.Reset()
	PrintBanner(&buf, testConfig(nil))
	assert.Contains(t, buf.String(), "Load Harness: loadharness")
	assert.Contains(t, buf.String(), "unlimited")

	buf.Reset()
	PrintStatus(&buf, Status{State: StateRunning, Threads: 2, ActiveWorkers: 1, RemainingBudget: -1})
	assert.Contains(t, buf.String(), "running | workers: 1/2")
	assert.NotContains(t, buf.String(), "throttled")

	buf.Reset()
	PrintStatus(&buf, Status{State: StateRunning, RemainingBudget: 3, ThrottleWait: 1500 * time.Millisecond})
	assert.Contains(t, buf.String(), "budget left: 3")
	assert.Contains(t, buf.String(), "throttled: 1.5s")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
