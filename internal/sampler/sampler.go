// Package sampler collects operation outcomes and aggregates them into
// fixed-length intervals.
package sampler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"go.uber.org/zap"
)

// Histogram bounds, in microseconds.
const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(time.Hour / time.Microsecond)
	sigFigs          = 3
)

// Stats are the aggregated outcomes of one operation kind.
type Stats struct {
	Kind            operation.Kind
	Successes       int64
	Failures        int64
	SuccessDuration time.Duration

	// Latency distribution of successful operations.
	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Count returns successes plus failures.
func (s Stats) Count() int64 { return s.Successes + s.Failures }

// Throughput returns operations per second over d.
func (s Stats) Throughput(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(s.Count()) / d.Seconds()
}

// Interval is one sampling period.
type Interval struct {
	Start    time.Time
	Duration time.Duration
	Stats    map[operation.Kind]Stats
}

// Kinds returns the kinds with at least one outcome, sorted.
func (iv Interval) Kinds() []operation.Kind {
	kinds := make([]operation.Kind, 0, len(iv.Stats))
	for k, s := range iv.Stats {
		if s.Count() > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Observer is notified of every recorded outcome and every closed interval.
type Observer interface {
	Observe(kind operation.Kind, elapsed time.Duration, err error)
	ObserveInterval(iv Interval)
}

// kindCounters accumulate one kind's outcomes for the current interval and
// for the whole run.
type kindCounters struct {
	successes  atomic.Int64
	failures   atomic.Int64
	durationNs atomic.Int64

	totalSuccesses  atomic.Int64
	totalFailures   atomic.Int64
	totalDurationNs atomic.Int64

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram
	total  *hdrhistogram.Histogram
}

func newKindCounters() *kindCounters {
	return &kindCounters{
		hist:  hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs),
		total: hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs),
	}
}

func (c *kindCounters) record(elapsed time.Duration, err error) {
	if err != nil {
		c.failures.Add(1)
		c.totalFailures.Add(1)
		return
	}
	c.successes.Add(1)
	c.totalSuccesses.Add(1)
	c.durationNs.Add(elapsed.Nanoseconds())
	c.totalDurationNs.Add(elapsed.Nanoseconds())

	micros := elapsed.Microseconds()
	if micros < minLatencyMicros {
		micros = minLatencyMicros
	}
	if micros > maxLatencyMicros {
		micros = maxLatencyMicros
	}
	c.histMu.Lock()
	_ = c.hist.RecordValue(micros)
	c.histMu.Unlock()
}

// roll closes the current interval: it returns its stats and resets it.
func (c *kindCounters) roll(kind operation.Kind) Stats {
	s := Stats{
		Kind:            kind,
		Successes:       c.successes.Swap(0),
		Failures:        c.failures.Swap(0),
		SuccessDuration: time.Duration(c.durationNs.Swap(0)),
	}
	c.histMu.Lock()
	fillLatencies(&s, c.hist)
	c.total.Merge(c.hist)
	c.hist.Reset()
	c.histMu.Unlock()
	return s
}

func (c *kindCounters) totals(kind operation.Kind) Stats {
	s := Stats{
		Kind:            kind,
		Successes:       c.totalSuccesses.Load(),
		Failures:        c.totalFailures.Load(),
		SuccessDuration: time.Duration(c.totalDurationNs.Load()),
	}
	c.histMu.Lock()
	fillLatencies(&s, c.total)
	c.histMu.Unlock()
	return s
}

func fillLatencies(s *Stats, h *hdrhistogram.Histogram) {
	if h.TotalCount() == 0 {
		return
	}
	s.Mean = time.Duration(h.Mean()) * time.Microsecond
	s.P50 = time.Duration(h.ValueAtQuantile(50)) * time.Microsecond
	s.P95 = time.Duration(h.ValueAtQuantile(95)) * time.Microsecond
	s.P99 = time.Duration(h.ValueAtQuantile(99)) * time.Microsecond
	s.Max = time.Duration(h.Max()) * time.Microsecond
}

// Sampler records (start, duration, operation, error) tuples and rolls them
// into intervals of a fixed length.
//
// Thread Safety: Safe for concurrent use. Record is lock-free apart from a
// per-kind histogram lock.
type Sampler struct {
	log      *zap.Logger
	interval time.Duration

	mu         sync.RWMutex
	counters   map[operation.Kind]*kindCounters
	observers  []Observer
	onInterval func(Interval)

	intervalsMu   sync.Mutex
	intervals     []Interval
	intervalStart time.Time

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped sampler with every operation kind registered.
func New(cfg config.SamplerConfig, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := &Sampler{
		log:      log,
		interval: cfg.Interval,
		counters: make(map[operation.Kind]*kindCounters),
	}
	for _, k := range operation.Kinds {
		s.RegisterOperation(k)
	}
	return s
}

// RegisterOperation makes kind appear in every interval, even when nothing
// of that kind was recorded. Registering a kind twice is a no-op.
func (s *Sampler) RegisterOperation(kind operation.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[kind]; !ok {
		s.counters[kind] = newKindCounters()
	}
}

// AddObserver registers o for every later outcome and interval.
func (s *Sampler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// OnInterval sets a callback invoked with every closed interval.
func (s *Sampler) OnInterval(fn func(Interval)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInterval = fn
}

// Record records the outcome of op. A nil err is a success.
func (s *Sampler) Record(start time.Time, elapsed time.Duration, op operation.Operation, err error) {
	kind := op.Kind()

	s.mu.RLock()
	c, ok := s.counters[kind]
	observers := s.observers
	s.mu.RUnlock()
	if !ok {
		s.RegisterOperation(kind)
		s.mu.RLock()
		c = s.counters[kind]
		s.mu.RUnlock()
	}

	c.record(elapsed, err)
	for _, o := range observers {
		o.Observe(kind, elapsed, err)
	}
	if err != nil {
		s.log.Debug("operation failed",
			zap.String("kind", string(kind)),
			zap.String("key", op.Key()),
			zap.Time("start", start),
			zap.Error(err))
	}
}

// Start begins the first interval and rolls one every interval length until
// Stop or ctx is done. It is idempotent.
func (s *Sampler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	s.intervalsMu.Lock()
	s.intervalStart = time.Now()
	s.intervalsMu.Unlock()

	go s.loop(ctx, s.done)
	s.log.Debug("started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.roll(now)
		}
	}
}

// Stop ends sampling and closes the last, partial interval. Stopping a
// sampler that is not started is a no-op.
func (s *Sampler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.started = false
	s.roll(time.Now())
	s.log.Debug("stopped")
}

// IsStarted reports whether the sampler is running.
func (s *Sampler) IsStarted() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.started
}

// Flush closes the current interval immediately.
func (s *Sampler) Flush() Interval {
	return s.roll(time.Now())
}

func (s *Sampler) roll(now time.Time) Interval {
	s.mu.RLock()
	stats := make(map[operation.Kind]Stats, len(s.counters))
	for kind, c := range s.counters {
		stats[kind] = c.roll(kind)
	}
	observers := s.observers
	onInterval := s.onInterval
	s.mu.RUnlock()

	s.intervalsMu.Lock()
	start := s.intervalStart
	if start.IsZero() {
		start = now
	}
	iv := Interval{Start: start, Duration: now.Sub(start), Stats: stats}
	s.intervals = append(s.intervals, iv)
	s.intervalStart = now
	s.intervalsMu.Unlock()

	for _, o := range observers {
		o.ObserveInterval(iv)
	}
	if onInterval != nil {
		onInterval(iv)
	}
	return iv
}

// Intervals returns the closed intervals in order.
func (s *Sampler) Intervals() []Interval {
	s.intervalsMu.Lock()
	defer s.intervalsMu.Unlock()
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Totals returns the outcomes of the whole run per kind. Counts include the
// open interval; latency percentiles cover closed intervals only.
func (s *Sampler) Totals() map[operation.Kind]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[operation.Kind]Stats, len(s.counters))
	for kind, c := range s.counters {
		out[kind] = c.totals(kind)
	}
	return out
}
