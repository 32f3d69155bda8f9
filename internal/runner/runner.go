package runner

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatload/internal/config"
	apperrors "chatload/internal/errors"
	"chatload/internal/payload"
	"chatload/internal/stats"
)

const tickInterval = 200 * time.Millisecond

// ErrAlreadyStarted is returned by Run on a Runner that has run before.
var ErrAlreadyStarted = stderrors.New("runner already started")

// Option configures a Runner during construction.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithUpdates sets the channel progress snapshots are published on.
func WithUpdates(ch StatsUpdateChan) Option {
	return func(r *Runner) { r.Updates = ch }
}

// WithClient replaces the HTTP client built from the config.
func WithClient(c *http.Client) Option {
	return func(r *Runner) { r.Client = c }
}

// WithOutcomeHook registers fn to observe every counted outcome. fn is called
// concurrently from worker goroutines.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(r *Runner) { r.onOutcome = fn }
}

// Runner drives a fixed pool of workers over a shared iteration counter.
type Runner struct {
	Cfg     config.RunConfig
	Stats   *stats.Stats
	Client  *http.Client
	RunID   string
	Updates StatsUpdateChan

	payload   payload.Payload
	log       *zap.Logger
	onOutcome func(Outcome)

	state    atomic.Int32
	next     atomic.Int64
	inflight atomic.Int64
}

func NewRunner(cfg config.RunConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := payload.New(cfg.Payload)
	if err != nil {
		return nil, err
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.Workers
	t.MaxIdleConnsPerHost = cfg.Workers

	r := &Runner{
		Cfg:   cfg,
		Stats: stats.NewStats(),
		Client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: t,
		},
		RunID:   uuid.NewString(),
		payload: p,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Updates == nil {
		// Avoid nil panics if not provided
		r.Updates = make(StatsUpdateChan, 10)
	}
	r.log = r.log.With(zap.String("run_id", r.RunID))
	return r, nil
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// PayloadSize is the size in bytes of the body sent with every request.
func (r *Runner) PayloadSize() int {
	return r.payload.Len()
}

// Inflight is the number of requests currently awaiting a response.
func (r *Runner) Inflight() int64 {
	return r.inflight.Load()
}

// Run sends Cfg.Iterations requests across Cfg.Workers workers and returns the
// aggregate. Failed requests never abort the run; only the max run duration
// or ctx cancellation stop it early.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if !r.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return Summary{}, ErrAlreadyStarted
	}
	defer r.state.Store(int32(StateCompleted))

	runCtx, cancel := context.WithTimeout(ctx, r.Cfg.MaxDuration)
	defer cancel()

	r.log.Info("run started",
		zap.String("url", r.Cfg.URL),
		zap.String("payload", string(r.payload.Variant())),
		zap.Int("workers", r.Cfg.Workers),
		zap.Int("iterations", r.Cfg.Iterations),
	)

	r.StartTickLoop(runCtx, tickInterval)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < r.Cfg.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.work(runCtx, id)
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	reason := StopCompleted
	if r.Stats.Requests.Load() < uint64(r.Cfg.Iterations) {
		reason = StopDeadline
		if stderrors.Is(ctx.Err(), context.Canceled) {
			reason = StopCanceled
		}
	}

	r.sendUpdate()
	s := r.summarize(start, elapsed, reason)

	r.log.Info("run completed",
		zap.Uint64("requests", s.Requests),
		zap.Uint64("fail", s.Fail),
		zap.Float64("failure_rate", s.FailureRate),
		zap.Bool("passed", s.Passed),
		zap.Int("abandoned", s.Abandoned),
		zap.String("stop_reason", string(s.StopReason)),
		zap.Duration("elapsed", s.Elapsed),
	)
	return s, nil
}

// work claims iterations until none remain or the run is cancelled.
func (r *Runner) work(ctx context.Context, id int) {
	claimed := 0
	defer func() {
		r.log.Debug("worker finished", zap.Int("worker", id), zap.Int("claimed", claimed))
	}()
	for ctx.Err() == nil {
		i, ok := r.claim()
		if !ok {
			return
		}
		claimed++
		r.executeRequest(ctx, id, i)
	}
}

// claim hands out iteration indices 0..Iterations-1, each exactly once.
func (r *Runner) claim() (int, bool) {
	n := r.next.Add(1) - 1
	if n >= int64(r.Cfg.Iterations) {
		return 0, false
	}
	return int(n), true
}

func (r *Runner) executeRequest(runCtx context.Context, worker, iteration int) {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(runCtx, r.Cfg.RequestTimeout)
	defer cancel()

	out := Outcome{Iteration: iteration, Worker: worker}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Cfg.URL, bytes.NewReader(r.payload.Body()))
	if err != nil {
		// URL was validated up front, so this is unreachable in practice.
		out.Err = apperrors.ClassifyTransport(fmt.Errorf("build request: %w", err))
		r.record(out)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.Cfg.APIKey)
	}

	start := time.Now()
	resp, err := r.Client.Do(req)
	if err == nil {
		out.Status = resp.StatusCode
		out.Bytes, err = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	out.Latency = time.Since(start)

	if err != nil && runCtx.Err() != nil {
		// Interrupted by the run deadline, not a completed outcome.
		r.log.Debug("request interrupted", zap.Int("iteration", iteration), zap.Error(err))
		return
	}

	switch {
	case err != nil:
		out.Err = apperrors.ClassifyTransport(err)
	case out.Status != http.StatusOK:
		out.Err = apperrors.NewStatusError(out.Status)
	}
	r.record(out)
}

func (r *Runner) record(out Outcome) {
	ok := out.Success()
	r.Stats.Add(ok, string(apperrors.KindOf(out.Err)), out.Bytes, out.Latency)
	if !ok {
		r.log.Debug("request failed",
			zap.Int("iteration", out.Iteration),
			zap.Int("worker", out.Worker),
			zap.Int("status", out.Status),
			zap.Duration("latency", out.Latency),
			zap.Error(out.Err),
		)
	}
	if r.onOutcome != nil {
		r.onOutcome(out)
	}
}

func (r *Runner) summarize(start time.Time, elapsed time.Duration, reason StopReason) Summary {
	st := r.Stats
	reqs := st.Requests.Load()
	rate := st.FailureRate()

	s := Summary{
		RunID:      r.RunID,
		URL:        r.Cfg.URL,
		Payload:    r.payload.Variant(),
		Workers:    r.Cfg.Workers,
		Iterations: r.Cfg.Iterations,

		Requests: reqs,
		Success:  st.Success.Load(),
		Fail:     st.Fail.Load(),
		Bytes:    st.Bytes.Load(),

		Abandoned:  r.Cfg.Iterations - int(reqs),
		StopReason: reason,

		FailureRate: rate,
		Threshold:   r.Cfg.FailureThreshold,
		Passed:      rate < r.Cfg.FailureThreshold,

		Started: start,
		Elapsed: elapsed,

		FailuresByKind: st.FailuresByKind(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.RPS = float64(reqs) / secs
	}
	if reqs > 0 {
		s.Latency = LatencySummary{
			AvgMs: st.Latency.MeanMs(),
			P50Ms: st.Latency.QuantileMs(50),
			P90Ms: st.Latency.QuantileMs(90),
			P95Ms: st.Latency.QuantileMs(95),
			P99Ms: st.Latency.QuantileMs(99),
			MaxMs: st.Latency.MaxMs(),
		}
	}
	return s
}

// StartTickLoop starts a goroutine that pushes stats updates until ctx ends.
func (r *Runner) StartTickLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendUpdate()
			}
		}
	}()
}

// Snapshot returns the current progress.
func (r *Runner) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests:   r.Stats.Requests.Load(),
		Success:    r.Stats.Success.Load(),
		Fail:       r.Stats.Fail.Load(),
		Bytes:      r.Stats.Bytes.Load(),
		Inflight:   r.Inflight(),
		Iterations: r.Cfg.Iterations,
		P50Ms:      r.Stats.Latency.QuantileMs(50),
		P90Ms:      r.Stats.Latency.QuantileMs(90),
		P99Ms:      r.Stats.Latency.QuantileMs(99),
		MaxMs:      r.Stats.Latency.MaxMs(),
	}
}

func (r *Runner) sendUpdate() {
	// Non-blocking send
	select {
	case r.Updates <- r.Snapshot():
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}
