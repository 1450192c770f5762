package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/example/loadharness/internal/config"
	"github.com/example/loadharness/internal/operation"
	"github.com/example/loadharness/internal/sampler"
)

// PrintBanner writes the run banner to w.
func PrintBanner(w io.Writer, cfg *config.Config) {
	name := cfg.Name
	if name == "" {
		name = "unnamed"
	}
	budget := "unlimited"
	if cfg.Load.OperationCount > 0 {
		budget = fmt.Sprintf("%d", cfg.Load.OperationCount)
	}
	duration := "unlimited"
	if cfg.Load.Duration > 0 {
		duration = cfg.Load.Duration.String()
	}

	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║  Load Harness: %-44s ║\n", truncate(name, 44))
	fmt.Fprintln(w, "╠════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Service:    %-46s ║\n", truncate(cfg.Service.Name, 46))
	fmt.Fprintf(w, "║  Strategy:   %-46s ║\n", truncate(cfg.Load.Strategy.Name, 46))
	fmt.Fprintf(w, "║  Threads:    %-46d ║\n", cfg.Load.Threads)
	fmt.Fprintf(w, "║  Duration:   %-46s ║\n", duration)
	fmt.Fprintf(w, "║  Operations: %-46s ║\n", budget)
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════╝")
}

// PrintStatus writes a one-line status to w.
func PrintStatus(w io.Writer, st Status) {
	budget := "unlimited"
	if st.RemainingBudget >= 0 {
		budget = fmt.Sprintf("%d", st.RemainingBudget)
	}
	fmt.Fprintf(w, "  [%s] %s | workers: %d/%d | ops: %d | failed: %d | budget left: %s | shutting down: %t",
		st.Elapsed.Round(time.Second), st.State, st.ActiveWorkers, st.Threads,
		st.Performed, st.Failed, budget, st.ShuttingDown)
	if st.ThrottleWait > 0 {
		fmt.Fprintf(w, " | throttled: %s", st.ThrottleWait.Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}

// PrintSummary writes the per-kind totals of a finished run to w.
func PrintSummary(w io.Writer, elapsed time.Duration, totals map[operation.Kind]sampler.Stats) {
	var ops, failed int64
	for _, s := range totals {
		ops += s.Count()
		failed += s.Failures
	}
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(ops) / elapsed.Seconds()
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                    LOAD RUN RESULTS                        ║")
	fmt.Fprintln(w, "╠════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Duration:       %-42s ║\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "║  Operations:     %-42d ║\n", ops)
	fmt.Fprintf(w, "║  Failed:         %-42d ║\n", failed)
	fmt.Fprintf(w, "║  Ops/sec:        %-42.2f ║\n", rate)
	for _, kind := range operation.Kinds {
		s, ok := totals[kind]
		if !ok || s.Count() == 0 {
			continue
		}
		fmt.Fprintln(w, "╠════════════════════════════════════════════════════════════╣")
		fmt.Fprintf(w, "║  %-58s║\n", truncate(string(kind), 56))
		fmt.Fprintf(w, "║    Successful:   %-42d ║\n", s.Successes)
		fmt.Fprintf(w, "║    Failed:       %-42d ║\n", s.Failures)
		fmt.Fprintf(w, "║    Mean:         %-42s ║\n", s.Mean)
		fmt.Fprintf(w, "║    P95:          %-42s ║\n", s.P95)
		fmt.Fprintf(w, "║    P99:          %-42s ║\n", s.P99)
	}
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════╝")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
