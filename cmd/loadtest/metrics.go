package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// metrics aggregates per-user flow outcomes across workers.
type metrics struct {
	success atomic.Int64
	failure atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	failStage map[string]int
}

func newMetrics() *metrics {
	return &metrics{failStage: make(map[string]int)}
}

func (m *metrics) recordSuccess(d time.Duration) {
	m.success.Add(1)
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func (m *metrics) recordFailure(stage string) {
	m.failure.Add(1)
	m.mu.Lock()
	m.failStage[stage]++
	m.mu.Unlock()
}

// successRate is in [0,1]; 1 when nothing ran.
func (m *metrics) successRate() float64 {
	total := m.success.Load() + m.failure.Load()
	if total == 0 {
		return 1
	}
	return float64(m.success.Load()) / float64(total)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func (m *metrics) report(elapsed time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lat := append([]time.Duration(nil), m.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	ok := m.success.Load()
	fail := m.failure.Load()
	out := fmt.Sprintf("completed %d flows in %s: %d ok, %d failed (%.1f%% success)\n",
		ok+fail, elapsed.Round(time.Millisecond), ok, fail, m.successRate()*100)
	if len(lat) > 0 {
		var sum time.Duration
		for _, d := range lat {
			sum += d
		}
		out += fmt.Sprintf("latency min=%s avg=%s p50=%s p90=%s p99=%s max=%s\n",
			lat[0].Round(time.Millisecond),
			(sum / time.Duration(len(lat))).Round(time.Millisecond),
			percentile(lat, 0.50).Round(time.Millisecond),
			percentile(lat, 0.90).Round(time.Millisecond),
			percentile(lat, 0.99).Round(time.Millisecond),
			lat[len(lat)-1].Round(time.Millisecond))
	}
	if len(m.failStage) > 0 {
		stages := make([]string, 0, len(m.failStage))
		for s := range m.failStage {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		out += "failures by stage:\n"
		for _, s := range stages {
			out += fmt.Sprintf("  %-10s %d\n", s, m.failStage[s])
		}
	}
	return out
}
