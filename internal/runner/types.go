package runner

import (
	"time"

	"chatload/internal/payload"
)

// State is the lifecycle position of a Runner.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StopReason tells why the worker pool stopped.
type StopReason string

const (
	StopCompleted StopReason = "completed" // every iteration ran
	StopDeadline  StopReason = "deadline"  // max run duration reached
	StopCanceled  StopReason = "canceled"  // parent context canceled
)

// Outcome is the result of one request. It is handed to the outcome hook and
// then discarded.
type Outcome struct {
	Iteration int
	Worker    int
	Status    int // 0 when the request never got a response
	Latency   time.Duration
	Bytes     int64
	Err       error
}

// Success is true only for HTTP 200.
func (o Outcome) Success() bool {
	return o.Err == nil && o.Status == 200
}

// LatencySummary holds informational percentiles in milliseconds.
type LatencySummary struct {
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P90Ms float64 `json:"p90_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Summary is the aggregate of a completed run.
type Summary struct {
	RunID      string          `json:"run_id"`
	URL        string          `json:"url"`
	Payload    payload.Variant `json:"payload"`
	Workers    int             `json:"workers"`
	Iterations int             `json:"iterations"`

	Requests uint64 `json:"requests"`
	Success  uint64 `json:"success"`
	Fail     uint64 `json:"fail"`
	Bytes    uint64 `json:"bytes"`

	// Abandoned counts iterations that never produced an outcome, either
	// unclaimed or interrupted in flight by the run deadline.
	Abandoned  int        `json:"abandoned"`
	StopReason StopReason `json:"stop_reason"`

	FailureRate float64 `json:"failure_rate"`
	Threshold   float64 `json:"threshold"`
	Passed      bool    `json:"passed"`

	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
	RPS     float64       `json:"rps"`

	Latency        LatencySummary    `json:"latency"`
	FailuresByKind map[string]uint64 `json:"failures_by_kind,omitempty"`
}

// Truncated reports whether the run ended before every iteration completed.
func (s Summary) Truncated() bool {
	return s.Abandoned > 0
}

// StatsSnapshot is a point-in-time view published while the run progresses.
type StatsSnapshot struct {
	Requests   uint64
	Success    uint64
	Fail       uint64
	Bytes      uint64
	Inflight   int64
	Iterations int

	P50Ms float64
	P90Ms float64
	P99Ms float64
	MaxMs float64
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot
