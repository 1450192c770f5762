package sampler

import (
	"strings"
	"sync"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/smira/go-statsd"
	"go.uber.org/zap"
)

// StatsdExporter pushes outcomes to a StatsD daemon over UDP. Metric names,
// after the configured prefix:
//
//	operation.<kind>.success   counter
//	operation.<kind>.failure   counter
//	operation.<kind>.latency   timer, successes only
//	interval.<kind>.throughput gauge, ops/s of the last closed interval
//	workers.active             gauge
//	shutting_down              gauge, 0 or 1
//
// Register it with Sampler.AddObserver.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type StatsdExporter struct {
	client *statsd.Client

	closeOnce sync.Once
	closeErr  error
}

var _ Observer = (*StatsdExporter)(nil)

// NewStatsdExporter creates an exporter sending to cfg.Addr. Sending starts
// immediately; call Close to flush and release the socket.
func NewStatsdExporter(cfg config.StatsdConfig, log *zap.Logger) *StatsdExporter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8125"
	}
	opts := []statsd.Option{
		statsd.MetricPrefix(cfg.Prefix),
		statsd.Logger(zap.NewStdLog(log.Named("statsd"))),
	}
	if cfg.FlushInterval > 0 {
		opts = append(opts, statsd.FlushInterval(cfg.FlushInterval))
	}
	return &StatsdExporter{client: statsd.NewClient(cfg.Addr, opts...)}
}

func kindName(kind operation.Kind) string {
	return strings.ToLower(string(kind))
}

// Observe counts one outcome and, for a success, times it.
func (e *StatsdExporter) Observe(kind operation.Kind, elapsed time.Duration, err error) {
	name := "operation." + kindName(kind)
	if err != nil {
		e.client.Incr(name+".failure", 1)
		return
	}
	e.client.Incr(name+".success", 1)
	e.client.PrecisionTiming(name+".latency", elapsed)
}

// ObserveInterval publishes the per-kind throughput of a closed interval.
func (e *StatsdExporter) ObserveInterval(iv Interval) {
	for _, kind := range iv.Kinds() {
		e.client.FGauge("interval."+kindName(kind)+".throughput", iv.Stats[kind].Throughput(iv.Duration))
	}
}

// UpdateActiveWorkers updates the active workers gauge.
func (e *StatsdExporter) UpdateActiveWorkers(count int) {
	e.client.Gauge("workers.active", int64(count))
}

// UpdateShuttingDown updates the shutting down gauge.
func (e *StatsdExporter) UpdateShuttingDown(shuttingDown bool) {
	var v int64
	if shuttingDown {
		v = 1
	}
	e.client.Gauge("shutting_down", v)
}

// Close flushes buffered metrics and closes the socket. It is idempotent.
func (e *StatsdExporter) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.client.Close()
	})
	return e.closeErr
}
