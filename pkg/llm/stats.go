package llm

import (
	"sync"
	"time"
)

// modelStats accumulates rolling request counters and latency extrema for one
// model. Samples are process-lifetime; there is no windowing.
type modelStats struct {
	mu        sync.Mutex
	requests  uint64
	successes uint64
	failures  uint64

	count      uint64
	sumSeconds float64
	minSeconds float64
	maxSeconds float64
}

// StatsSnapshot is the public view of a model's rolling stats.
type StatsSnapshot struct {
	Requests   uint64  `json:"requests"`
	Successes  uint64  `json:"successes"`
	Failures   uint64  `json:"failures"`
	LatencyMin float64 `json:"latency_min_seconds"`
	LatencyAvg float64 `json:"latency_avg_seconds"`
	LatencyMax float64 `json:"latency_max_seconds"`
}

func (s *modelStats) recordRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// observe records one completed request and returns the updated min/avg/max
// for gauge publication.
func (s *modelStats) observe(d time.Duration, success bool) (min, avg, max float64) {
	sec := d.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.count++
	s.sumSeconds += sec
	if s.count == 1 || sec < s.minSeconds {
		s.minSeconds = sec
	}
	if sec > s.maxSeconds {
		s.maxSeconds = sec
	}
	return s.minSeconds, s.sumSeconds / float64(s.count), s.maxSeconds
}

func (s *modelStats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Requests:  s.requests,
		Successes: s.successes,
		Failures:  s.failures,
	}
	if s.count > 0 {
		snap.LatencyMin = s.minSeconds
		snap.LatencyAvg = s.sumSeconds / float64(s.count)
		snap.LatencyMax = s.maxSeconds
	}
	return snap
}
