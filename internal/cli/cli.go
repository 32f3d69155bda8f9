package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"chatload/internal/runner"
	"chatload/internal/tui/styles"
)

const refreshInterval = 200 * time.Millisecond

// Run executes r in the background and redraws a one-line progress bar on w
// until the run returns. The summary is printed before returning.
func Run(ctx context.Context, r *runner.Runner, w io.Writer) (runner.Summary, error) {
	PrintHeader(w, r)

	type result struct {
		s   runner.Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := r.Run(ctx)
		done <- result{s, err}
	}()

	start := time.Now()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Updates:
			// Drain updates
		case <-ticker.C:
			printProgress(w, r.Snapshot(), time.Since(start))
		case res := <-done:
			if res.err != nil {
				return res.s, res.err
			}
			printProgress(w, r.Snapshot(), res.s.Elapsed)
			PrintSummary(w, res.s)
			return res.s, nil
		}
	}
}

func PrintHeader(w io.Writer, r *runner.Runner) {
	cfg := r.Cfg
	fmt.Fprintf(w, "\n🚀 STARTING CHAT-COMPLETION LOAD TEST\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Run ID     : %s\n", r.RunID)
	fmt.Fprintf(w, "Target URL : %s\n", cfg.URL)
	fmt.Fprintf(w, "Payload    : %s (%d bytes)\n", cfg.Payload, r.PayloadSize())
	fmt.Fprintf(w, "VUs        : %d\n", cfg.Workers)
	fmt.Fprintf(w, "Iterations : %d (shared)\n", cfg.Iterations)
	fmt.Fprintf(w, "Timeout    : %s per request, %s max run\n", cfg.RequestTimeout, cfg.MaxDuration)
	fmt.Fprintf(w, "Threshold  : http_req_failed rate<%g\n", cfg.FailureThreshold)
	fmt.Fprintf(w, "======================================================================\n\n")
}

func printProgress(w io.Writer, s runner.StatsSnapshot, elapsed time.Duration) {
	pct := 0.0
	if s.Iterations > 0 {
		pct = float64(s.Requests) / float64(s.Iterations)
	}
	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(s.Requests) / elapsed.Seconds()
	}
	fmt.Fprintf(w, "\r%s %3.0f%% | %d/%d | Inf: %3d | RPS: %.1f | OK: %d | Err: %d",
		progressBar(pct, 20), pct*100,
		s.Requests, s.Iterations,
		s.Inflight,
		rps,
		s.Success,
		s.Fail,
	)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

// PrintSummary writes the end-of-run report.
func PrintSummary(w io.Writer, s runner.Summary) {
	fmt.Fprintf(w, "\n\n📊 LOAD TEST RESULTS\n")
	fmt.Fprintf(w, "======================================================================\n")
	fmt.Fprintf(w, "Total Duration : %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Requests Sent  : %d / %d\n", s.Requests, s.Iterations)
	fmt.Fprintf(w, "Success        : %d\n", s.Success)
	fmt.Fprintf(w, "Failures       : %d\n", s.Fail)
	fmt.Fprintf(w, "Data Received  : %d B\n", s.Bytes)
	fmt.Fprintf(w, "Actual RPS     : %s\n", styles.Value.Render(fmt.Sprintf("%.2f", s.RPS)))
	if s.Truncated() {
		fmt.Fprintf(w, "Abandoned      : %d (%s)\n", s.Abandoned, s.StopReason)
	}

	fmt.Fprintf(w, "\n⏱️  RESPONSE TIMES (ms)\n")
	fmt.Fprintf(w, "   Avg : %.2f\n", s.Latency.AvgMs)
	fmt.Fprintf(w, "   P50 : %.2f\n", s.Latency.P50Ms)
	fmt.Fprintf(w, "   P90 : %.2f\n", s.Latency.P90Ms)
	fmt.Fprintf(w, "   P95 : %.2f\n", s.Latency.P95Ms)
	fmt.Fprintf(w, "   P99 : %.2f\n", s.Latency.P99Ms)
	fmt.Fprintf(w, "   Max : %.2f\n", s.Latency.MaxMs)

	if len(s.FailuresByKind) > 0 {
		fmt.Fprintf(w, "\n❌ FAILURE SUMMARY\n")
		kinds := make([]string, 0, len(s.FailuresByKind))
		for k := range s.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "   %d x %s\n", s.FailuresByKind[k], k)
		}
	}

	rate := styles.ForFailureRate(s.FailureRate, s.Threshold).
		Render(fmt.Sprintf("%.2f%%", s.FailureRate*100))
	fmt.Fprintf(w, "\nhttp_req_failed: %s (threshold rate<%g) %s\n", rate, s.Threshold, styles.Verdict(s.Passed))
	fmt.Fprintf(w, "======================================================================\n")
}
