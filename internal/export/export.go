// Package export writes run summaries in the shape of k6's --summary-export
// so existing result tooling can read them.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"chatload/internal/runner"
)

// Document is the top-level JSON object.
type Document struct {
	Metrics map[string]Metric `json:"metrics"`
	State   State             `json:"state"`
	Run     runner.Summary    `json:"run"`
}

// Metric mirrors a k6 summary metric entry.
type Metric struct {
	Type       string                   `json:"type"`
	Contains   string                   `json:"contains,omitempty"`
	Values     map[string]float64       `json:"values"`
	Thresholds map[string]ThresholdEval `json:"thresholds,omitempty"`
}

type ThresholdEval struct {
	OK bool `json:"ok"`
}

type State struct {
	TestRunDurationMs float64 `json:"testRunDurationMs"`
	IsStdOutTTY       bool    `json:"isStdOutTTY"`
	IsStdErrTTY       bool    `json:"isStdErrTTY"`
}

// thresholdExpr renders the failure threshold the way k6 writes it.
func thresholdExpr(t float64) string {
	return "rate<" + strconv.FormatFloat(t, 'f', -1, 64)
}

// Build converts a summary into a Document.
func Build(s runner.Summary) Document {
	durMs := float64(s.Elapsed.Microseconds()) / 1000.0
	return Document{
		Metrics: map[string]Metric{
			"http_reqs": {
				Type:     "counter",
				Contains: "default",
				Values: map[string]float64{
					"count": float64(s.Requests),
					"rate":  s.RPS,
				},
			},
			"http_req_duration": {
				Type:     "trend",
				Contains: "time",
				Values: map[string]float64{
					"avg":   s.Latency.AvgMs,
					"med":   s.Latency.P50Ms,
					"p(90)": s.Latency.P90Ms,
					"p(95)": s.Latency.P95Ms,
					"p(99)": s.Latency.P99Ms,
					"max":   s.Latency.MaxMs,
				},
			},
			"http_req_failed": {
				Type:     "rate",
				Contains: "default",
				Values: map[string]float64{
					"rate": s.FailureRate,
					// k6 counts a failed request as a "pass" of the rate metric.
					"passes": float64(s.Fail),
					"fails":  float64(s.Success),
				},
				Thresholds: map[string]ThresholdEval{
					thresholdExpr(s.Threshold): {OK: s.Passed},
				},
			},
			"checks": {
				Type:     "rate",
				Contains: "default",
				Values: map[string]float64{
					"rate":   1 - s.FailureRate,
					"passes": float64(s.Success),
					"fails":  float64(s.Fail),
				},
			},
			"iterations": {
				Type:     "counter",
				Contains: "default",
				Values: map[string]float64{
					"count": float64(s.Requests),
					"rate":  s.RPS,
				},
			},
			"data_received": {
				Type:     "counter",
				Contains: "data",
				Values: map[string]float64{
					"count": float64(s.Bytes),
				},
			},
		},
		State: State{TestRunDurationMs: durMs},
		Run:   s,
	}
}

// WriteSummary writes s to path as indented JSON, creating parent directories.
func WriteSummary(path string, s runner.Summary) error {
	data, err := json.MarshalIndent(Build(s), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
