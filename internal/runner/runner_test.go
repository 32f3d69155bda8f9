package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatload/internal/config"
	"chatload/internal/dummy"
	apperrors "chatload/internal/errors"
	"chatload/internal/payload"
)

func testConfig(url string, workers, iterations int) config.RunConfig {
	cfg := config.Default()
	cfg.URL = url + "/v1/chat/completions"
	cfg.Workers = workers
	cfg.Iterations = iterations
	return cfg
}

// outcomeRecorder collects outcomes from concurrent workers.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *outcomeRecorder) hook(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func (o *outcomeRecorder) iterations() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	its := make([]int, 0, len(o.outcomes))
	for _, out := range o.outcomes {
		its = append(its, out.Iteration)
	}
	sort.Ints(its)
	return its
}

func (o *outcomeRecorder) workers() map[int]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws := make(map[int]int)
	for _, out := range o.outcomes {
		ws[out.Worker]++
	}
	return ws
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func run(t *testing.T, cfg config.RunConfig, opts ...Option) Summary {
	t.Helper()
	r, err := NewRunner(cfg, opts...)
	require.NoError(t, err)
	s, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.State())
	return s
}

func TestSharedIterationsExactCount(t *testing.T) {
	tests := []struct {
		name       string
		workers    int
		iterations int
	}{
		{"single worker", 1, 10},
		{"five workers twenty iterations", 5, 20},
		{"uneven split", 3, 7},
		{"more workers than iterations", 8, 3},
		{"one iteration", 4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := dummy.NewHandler(dummy.Options{Latency: 5 * time.Millisecond})
			srv := httptest.NewServer(h)
			defer srv.Close()

			rec := &outcomeRecorder{}
			s := run(t, testConfig(srv.URL, tt.workers, tt.iterations), WithOutcomeHook(rec.hook))

			assert.EqualValues(t, tt.iterations, h.Requests(), "server saw every request once")
			assert.EqualValues(t, tt.iterations, s.Requests)
			assert.Equal(t, seq(tt.iterations), rec.iterations(), "no iteration skipped or repeated")
			assert.LessOrEqual(t, len(rec.workers()), tt.workers)
			assert.Zero(t, s.Abandoned)
			assert.Equal(t, StopCompleted, s.StopReason)
			assert.False(t, s.Truncated())
		})
	}
}

func TestWorkersShareTheQueue(t *testing.T) {
	h := dummy.NewHandler(dummy.Options{Latency: 20 * time.Millisecond})
	srv := httptest.NewServer(h)
	defer srv.Close()

	rec := &outcomeRecorder{}
	s := run(t, testConfig(srv.URL, 5, 20), WithOutcomeHook(rec.hook))

	assert.EqualValues(t, 20, s.Requests)
	assert.Greater(t, len(rec.workers()), 1, "work is spread across workers")
	total := 0
	for _, n := range rec.workers() {
		total += n
	}
	assert.Equal(t, 20, total)
}

func TestAllSuccess(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{}))
	defer srv.Close()

	s := run(t, testConfig(srv.URL, 2, 10))
	assert.EqualValues(t, 10, s.Success)
	assert.Zero(t, s.Fail)
	assert.Zero(t, s.FailureRate)
	assert.True(t, s.Passed)
	assert.Empty(t, s.FailuresByKind)
	assert.Greater(t, s.Bytes, uint64(0))
	assert.Greater(t, s.Latency.MaxMs, 0.0)
	assert.NotEmpty(t, s.RunID)
}

func TestNon200IsFailure(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{Status: http.StatusServiceUnavailable}))
	defer srv.Close()

	rec := &outcomeRecorder{}
	s := run(t, testConfig(srv.URL, 3, 9), WithOutcomeHook(rec.hook))
	assert.EqualValues(t, 9, s.Requests)
	assert.EqualValues(t, 9, s.Fail)
	assert.Equal(t, 1.0, s.FailureRate)
	assert.False(t, s.Passed)
	assert.Equal(t, map[string]uint64{string(apperrors.KindStatus): 9}, s.FailuresByKind)

	for _, out := range rec.outcomes {
		assert.Equal(t, http.StatusServiceUnavailable, out.Status)
		assert.True(t, apperrors.IsKind(out.Err, apperrors.KindStatus))
	}
}

func TestOtherSuccessCodesAreFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := run(t, testConfig(srv.URL, 1, 3))
	assert.EqualValues(t, 3, s.Fail)
	assert.False(t, s.Passed)
}

// failFirst answers the first n requests with 500 and the rest with 200.
func failFirst(n int64) http.Handler {
	var seen atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if seen.Add(1) <= n {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		name       string
		failures   int64
		iterations int
		wantPassed bool
	}{
		{"no failures", 0, 100, true},
		{"below one percent", 1, 200, true},
		{"exactly one percent fails", 1, 100, false},
		{"above one percent", 3, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(failFirst(tt.failures))
			defer srv.Close()

			s := run(t, testConfig(srv.URL, 4, tt.iterations))
			assert.EqualValues(t, tt.iterations, s.Requests)
			assert.EqualValues(t, tt.failures, s.Fail)
			assert.InDelta(t, float64(tt.failures)/float64(tt.iterations), s.FailureRate, 1e-9)
			assert.Equal(t, tt.wantPassed, s.Passed)
		})
	}
}

func TestRequestTimeoutIsFailure(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{Latency: 2 * time.Second}))
	defer srv.Close()

	cfg := testConfig(srv.URL, 2, 4)
	cfg.RequestTimeout = 50 * time.Millisecond

	rec := &outcomeRecorder{}
	s := run(t, cfg, WithOutcomeHook(rec.hook))
	assert.EqualValues(t, 4, s.Requests, "timeouts do not abort the run")
	assert.EqualValues(t, 4, s.Fail)
	assert.False(t, s.Passed)
	assert.Equal(t, StopCompleted, s.StopReason)
	assert.EqualValues(t, 4, s.FailuresByKind[string(apperrors.KindTimeout)])
	for _, out := range rec.outcomes {
		assert.Zero(t, out.Status)
		assert.True(t, apperrors.IsKind(out.Err, apperrors.KindTimeout), "got %v", out.Err)
	}
}

func TestTransportErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := run(t, testConfig(url, 2, 5))
	assert.EqualValues(t, 5, s.Requests)
	assert.EqualValues(t, 5, s.Fail)
	assert.EqualValues(t, 5, s.FailuresByKind[string(apperrors.KindTransport)])
	assert.False(t, s.Passed)
}

func TestMaxDurationTruncatesRun(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{Latency: 30 * time.Millisecond}))
	defer srv.Close()

	cfg := testConfig(srv.URL, 1, 1000)
	cfg.MaxDuration = 200 * time.Millisecond

	start := time.Now()
	s := run(t, cfg)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StopDeadline, s.StopReason)
	assert.True(t, s.Truncated())
	assert.Greater(t, s.Requests, uint64(0), "collected outcomes are kept")
	assert.Less(t, s.Requests, uint64(1000))
	assert.Equal(t, 1000-int(s.Requests), s.Abandoned)
	assert.Zero(t, s.Fail, "interrupted requests are not failures")
	assert.True(t, s.Passed)
}

func TestParentCancelStopsRun(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{Latency: time.Minute}))
	defer srv.Close()

	r, err := NewRunner(testConfig(srv.URL, 3, 30))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	s, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopCanceled, s.StopReason)
	assert.Zero(t, s.Requests)
	assert.Equal(t, 30, s.Abandoned)
}

func TestRequestShape(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		ctypes []string
		auths  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		ctypes = append(ctypes, r.Header.Get("Content-Type"))
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, 2, 4)
	cfg.Payload = payload.VariantLong
	cfg.APIKey = "sk-test"
	s := run(t, cfg)
	assert.Equal(t, payload.VariantLong, s.Payload)

	want, err := payload.New(payload.VariantLong)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 4)
	for i := range bodies {
		assert.JSONEq(t, string(want.Body()), string(bodies[i]))
		assert.Equal(t, "application/json", ctypes[i])
		assert.Equal(t, "Bearer sk-test", auths[i])
	}

	var decoded payload.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(bodies[0], &decoded))
	assert.Equal(t, 256, decoded.MaxTokens)
	assert.False(t, decoded.Stream)
}

func TestNoAuthorizationWithoutKey(t *testing.T) {
	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
	}))
	defer srv.Close()

	run(t, testConfig(srv.URL, 1, 2))
	assert.False(t, sawAuth.Load())
}

func TestRunTwice(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{}))
	defer srv.Close()

	r, err := NewRunner(testConfig(srv.URL, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, r.State())

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 0
	_, err := NewRunner(cfg)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestUpdatesPublished(t *testing.T) {
	srv := httptest.NewServer(dummy.NewHandler(dummy.Options{}))
	defer srv.Close()

	updates := make(StatsUpdateChan, 100)
	run(t, testConfig(srv.URL, 2, 6), WithUpdates(updates))

	var last StatsSnapshot
	for {
		select {
		case snap := <-updates:
			last = snap
			continue
		default:
		}
		break
	}
	assert.EqualValues(t, 6, last.Requests)
	assert.Equal(t, 6, last.Iterations)
	assert.Zero(t, last.Inflight)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestPayloadSizeAndIdleInflight(t *testing.T) {
	r, err := NewRunner(testConfig("http://127.0.0.1:1", 1, 1))
	require.NoError(t, err)

	p, err := payload.New(payload.VariantShort)
	require.NoError(t, err)
	assert.Equal(t, p.Len(), r.PayloadSize())
	assert.Zero(t, r.Inflight())
	assert.Zero(t, r.Snapshot().Inflight)
}
