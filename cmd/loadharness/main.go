// Package main provides the CLI entry point for the load harness.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/logger"
	"github.com/example/loadharness/internal/runner"
	"github.com/example/loadharness/internal/sampler"
	"github.com/example/loadharness/internal/service"
	"github.com/example/loadharness/internal/service/embedded"
	"github.com/example/loadharness/internal/service/jmsservice"
	"github.com/example/loadharness/internal/service/rediscache"
	"github.com/example/loadharness/internal/strategy"
	"go.uber.org/zap"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	configPath     string
	serviceName    string
	strategyName   string
	threads        int
	duration       time.Duration
	operations     int64
	throughput     float64
	delay          time.Duration
	background     bool
	prometheusAddr string
	statsdAddr     string
	verbose        bool
	list           bool
	validate       bool
	dryRun         bool
	showVersion    bool
)

func init() {
	// Configuration
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&configPath, "c", "", "Path to the YAML configuration file (shorthand)")

	// Override flags
	flag.StringVar(&serviceName, "service", "", "Override the service (embedded, redis, jms)")
	flag.StringVar(&strategyName, "strategy", "", "Override the load strategy")
	flag.IntVar(&threads, "threads", 0, "Override the number of worker threads")
	flag.IntVar(&threads, "t", 0, "Override the number of worker threads (shorthand)")
	flag.DurationVar(&duration, "duration", 0, "Override the run duration (e.g., 30s, 5m)")
	flag.DurationVar(&duration, "d", 0, "Override the run duration (shorthand)")
	flag.Int64Var(&operations, "ops", 0, "Override the total operation count")
	flag.Int64Var(&operations, "n", 0, "Override the total operation count (shorthand)")
	flag.Float64Var(&throughput, "throughput", 0, "Override the operations-per-second cap")
	flag.DurationVar(&delay, "delay", 0, "Override the per-operation delay")
	flag.BoolVar(&background, "background", false, "Run in background and accept status/stop/exit on stdin")

	// Utility flags
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&verbose, "v", false, "Enable verbose output (shorthand)")
	flag.BoolVar(&list, "list", false, "List available services and strategies")
	flag.BoolVar(&list, "l", false, "List available services and strategies (shorthand)")
	flag.BoolVar(&validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "Build the run without executing it")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	// Output flags
	flag.StringVar(&prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090 or localhost:9090)")
	flag.StringVar(&statsdAddr, "statsd", "", "Push metrics to a StatsD daemon (e.g., localhost:8125)")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Load Harness - cache, messaging and session load generator

USAGE:
    loadharness [-config <path>] [options]

DESCRIPTION:
    Drives a configurable number of worker threads against a backend service.
    Each worker asks the load strategy for its next operation, performs it and
    records the outcome. The run ends when the strategy is exhausted, the
    duration elapses or a stop is requested; workers then perform the
    strategy's cleanup operations before exiting.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file (defaults apply without one)

OVERRIDE OPTIONS:
    -service <name>       Service: embedded, redis, jms
    -strategy <name>      Strategy: write-read, read-write-on-miss, jms-send,
                          jms-receive, http-session
    -threads, -t <n>      Number of worker threads
    -duration, -d <dur>   Run duration (e.g., "30s", "5m")
    -ops, -n <n>          Total operation budget shared by all workers
    -throughput <n>       Operations per second across all workers
    -delay <dur>          Pause after each operation
    -background           Return to a command prompt while the run proceeds

UTILITY OPTIONS:
    -list, -l             List services and strategies
    -validate             Validate configuration and exit
    -dry-run              Build the run without executing it
    -verbose, -v          Print every sampling interval
    -version              Show version information
    -help, -h             Show this help message

OUTPUT OPTIONS:
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090)
    -statsd <addr>        Push metrics to a StatsD daemon (e.g., localhost:8125)

BACKGROUND COMMANDS:
    status                Print the run status
    stop                  Request shutdown; workers clean up and exit
    exit                  Request shutdown and leave once the workers are done

EXAMPLES:
    # 10000 write/read operations on 8 threads against the embedded cache
    loadharness -threads 8 -ops 10000

    # Read, and write on miss, against Redis for one minute
    loadharness -config configs/redis.yaml -strategy read-write-on-miss -d 1m

    # Pooled HTTP sessions with a metrics endpoint, controlled from stdin
    loadharness -config configs/sessions.yaml -background -prometheus :9090
`)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	if list {
		printAvailable(os.Stdout)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error validating configuration: %v\n", err)
		os.Exit(1)
	}

	if validate {
		fmt.Printf("Configuration '%s' is valid.\n", cfg.Name)
		printConfigSummary(os.Stdout, cfg)
		os.Exit(0)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if dryRun {
		if _, err := newHarness(cfg, log); err != nil {
			fmt.Fprintf(os.Stderr, "Error building run: %v\n", err)
			os.Exit(1)
		}
		printConfigSummary(os.Stdout, cfg)
		fmt.Println()
		fmt.Println("Ready to execute. Remove -dry-run flag to start the run.")
		os.Exit(0)
	}

	if err := runLoad(context.Background(), cfg, log, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error running load: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("loadharness version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig reads the configuration file, or returns the defaults when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return config.LoadFromFile(absPath)
}

func applyOverrides(cfg *config.Config) {
	if serviceName != "" {
		cfg.Service.Name = serviceName
		logOverride("service = %s", serviceName)
	}
	if strategyName != "" {
		cfg.Load.Strategy.Name = strategyName
		logOverride("strategy = %s", strategyName)
	}
	if threads > 0 {
		cfg.Load.Threads = threads
		logOverride("threads = %d", threads)
	}
	if duration > 0 {
		cfg.Load.Duration = duration
		logOverride("duration = %v", duration)
	}
	if operations > 0 {
		cfg.Load.OperationCount = operations
		logOverride("operations = %d", operations)
	}
	if throughput > 0 {
		cfg.Load.Throughput = throughput
		logOverride("throughput = %.1f", throughput)
	}
	if delay > 0 {
		cfg.Load.Delay = delay
		logOverride("delay = %v", delay)
	}
	if background {
		cfg.Load.Background = true
		logOverride("background = true")
	}
	if prometheusAddr != "" {
		cfg.Sampler.Prometheus.Enabled = true
		cfg.Sampler.Prometheus.Addr = normalizeAddr(prometheusAddr)
		logOverride("Prometheus enabled on %s", cfg.Sampler.Prometheus.Addr)
	}
	if statsdAddr != "" {
		cfg.Sampler.Statsd.Enabled = true
		cfg.Sampler.Statsd.Addr = strings.TrimSpace(statsdAddr)
		logOverride("StatsD enabled on %s", cfg.Sampler.Statsd.Addr)
	}
}

func logOverride(format string, args ...any) {
	if verbose {
		fmt.Printf("Override: "+format+"\n", args...)
	}
}

// normalizeAddr turns a bare port into a listen address.
// Supports formats: :9090, localhost:9090, 9090
func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration Summary:")
	fmt.Fprintf(w, "  Name:        %s\n", cfg.Name)
	fmt.Fprintf(w, "  Service:     %s\n", cfg.Service.Name)
	fmt.Fprintf(w, "  Strategy:    %s\n", cfg.Load.Strategy.Name)
	fmt.Fprintf(w, "  Threads:     %d\n", cfg.Load.Threads)
	fmt.Fprintf(w, "  Duration:    %v\n", cfg.Load.Duration)
	fmt.Fprintf(w, "  Operations:  %d\n", cfg.Load.OperationCount)
	fmt.Fprintf(w, "  Throughput:  %.1f\n", cfg.Load.Throughput)
	fmt.Fprintf(w, "  Key Store:   %s\n", cfg.Load.KeyStore.Type)
	fmt.Fprintf(w, "  Background:  %t\n", cfg.Load.Background)
}

func newServiceRegistry() *service.Registry {
	reg := service.NewRegistry()
	reg.Register(embedded.Name, embedded.Factory)
	reg.Register(rediscache.Name, rediscache.Factory)
	reg.Register(jmsservice.Name, jmsservice.Factory)
	return reg
}

func printAvailable(w io.Writer) {
	fmt.Fprintln(w, "Services:")
	for _, name := range newServiceRegistry().Names() {
		fmt.Fprintf(w, "  %s\n", name)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Strategies:")
	for _, name := range strategy.DefaultRegistry().Names() {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

// harness is one configured run.
type harness struct {
	runner   *runner.MultiRunner
	sampler  *sampler.Sampler
	exporter *sampler.PrometheusExporter
	statsd   *sampler.StatsdExporter
}

func newHarness(cfg *config.Config, log *zap.Logger) (*harness, error) {
	svc, err := newServiceRegistry().New(cfg.Service.Name, log.Named("service"))
	if err != nil {
		return nil, err
	}
	if err := svc.Configure(cfg.Service); err != nil {
		return nil, fmt.Errorf("configuring service %s: %w", cfg.Service.Name, err)
	}

	strat, err := strategy.DefaultRegistry().New(cfg.Load.Strategy.Name, log)
	if err != nil {
		return nil, err
	}
	if err := strat.Configure(cfg.Service, cfg.Load); err != nil {
		return nil, fmt.Errorf("configuring strategy %s: %w", cfg.Load.Strategy.Name, err)
	}

	smp := sampler.New(cfg.Sampler, log.Named("sampler"))
	r := runner.New(cfg.Load, svc, strat, smp, log.Named("runner"))
	h := &harness{runner: r, sampler: smp}

	if cfg.Sampler.Prometheus.Enabled {
		h.exporter = sampler.NewPrometheusExporter(cfg.Sampler.Prometheus)
		smp.AddObserver(h.exporter)
		r.AddGauges(h.exporter)
	}
	if cfg.Sampler.Statsd.Enabled {
		h.statsd = sampler.NewStatsdExporter(cfg.Sampler.Statsd, log)
		smp.AddObserver(h.statsd)
		r.AddGauges(h.statsd)
	}
	return h, nil
}

// runLoad executes one run to completion and prints its summary to out.
// In background mode it reads commands from in until the run is left.
func runLoad(ctx context.Context, cfg *config.Config, log *zap.Logger, in io.Reader, out io.Writer) error {
	h, err := newHarness(cfg, log)
	if err != nil {
		return err
	}
	r := h.runner

	if h.exporter != nil {
		if err := h.exporter.Start(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Prometheus metrics on %s\n", h.exporter.Address())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := h.exporter.Stop(stopCtx); err != nil {
				log.Warn("stopping Prometheus exporter", zap.Error(err))
			}
		}()
	}
	if h.statsd != nil {
		defer func() {
			if err := h.statsd.Close(); err != nil {
				log.Warn("closing StatsD exporter", zap.Error(err))
			}
		}()
	}
	if verbose {
		h.sampler.OnInterval(func(iv sampler.Interval) { printInterval(out, iv) })
	}

	runner.PrintBanner(out, cfg)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go handleSignals(sigCh, r, log)

	if cfg.Load.Background {
		r.ExitGuard().Hold()
		go handleCommands(in, out, r)
		go func() {
			<-r.Done()
			if r.ExitGuard().Held() {
				fmt.Fprintln(out, "Run finished. Enter 'exit' to leave.")
			}
		}()
	}

	start := time.Now()
	runErr := r.Run(ctx)
	if runErr == nil && cfg.Load.Background {
		runErr = r.Wait(ctx)
	}
	runner.PrintSummary(out, time.Since(start), h.sampler.Totals())
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// handleSignals turns the first signal into a shutdown request and the
// second into a hard stop.
func handleSignals(sigCh <-chan os.Signal, r *runner.MultiRunner, log *zap.Logger) {
	for i := 0; ; i++ {
		select {
		case sig := <-sigCh:
			if i == 0 {
				log.Info("received signal, shutting down", zap.String("signal", sig.String()))
				r.RequestShutdown()
				continue
			}
			log.Warn("received second signal, stopping now", zap.String("signal", sig.String()))
			r.Cancel()
			return
		case <-r.Done():
			return
		}
	}
}

// handleCommands serves the background command prompt. End of input
// behaves like exit without the shutdown request.
func handleCommands(in io.Reader, out io.Writer, r *runner.MultiRunner) {
	defer r.ExitGuard().Release()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch cmd := strings.ToLower(strings.TrimSpace(scanner.Text())); cmd {
		case "":
		case "status":
			runner.PrintStatus(out, r.Status())
		case "stop":
			r.RequestShutdown()
			fmt.Fprintln(out, "Shutdown requested.")
		case "exit", "quit":
			r.RequestShutdown()
			fmt.Fprintln(out, "Leaving once the workers are done.")
			return
		default:
			fmt.Fprintf(out, "Unknown command %q (status, stop, exit)\n", cmd)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(out, "Reading commands: %v\n", err)
	}
}

func printInterval(w io.Writer, iv sampler.Interval) {
	for _, kind := range iv.Kinds() {
		s := iv.Stats[kind]
		fmt.Fprintf(w, "  [%s] %-24s ok: %-8d failed: %-6d ops/s: %-10.1f p95: %s\n",
			iv.Start.Format(time.TimeOnly), kind, s.Successes, s.Failures,
			s.Throughput(iv.Duration), s.P95)
	}
}
