package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds real-time aggregated request outcomes. All methods are safe for
// concurrent use.
type Stats struct {
	Requests atomic.Uint64
	Success  atomic.Uint64
	Fail     atomic.Uint64
	Bytes    atomic.Uint64

	// Latency of every completed request, success or not.
	Latency *SafeHistogram

	mu         sync.Mutex
	failByKind map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		Latency:    NewSafeHistogram(),
		failByKind: make(map[string]uint64),
	}
}

// Add folds one request outcome into the aggregate. kind is ignored on success.
func (s *Stats) Add(success bool, kind string, bytes int64, latency time.Duration) {
	s.Requests.Add(1)
	if success {
		s.Success.Add(1)
	} else {
		s.Fail.Add(1)
		s.mu.Lock()
		s.failByKind[kind]++
		s.mu.Unlock()
	}
	if bytes > 0 {
		s.Bytes.Add(uint64(bytes))
	}
	s.Latency.Record(latency)
}

// FailureRate is failures over requests, in [0, 1]. Zero requests yields 0.
func (s *Stats) FailureRate() float64 {
	reqs := s.Requests.Load()
	if reqs == 0 {
		return 0
	}
	return float64(s.Fail.Load()) / float64(reqs)
}

// FailuresByKind returns a copy of the per-kind failure counts.
func (s *Stats) FailuresByKind() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.failByKind))
	for k, v := range s.failByKind {
		out[k] = v
	}
	return out
}
