package loadclient

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Metrics aggregates the run's outcome: counters, send latencies and a
// per-second throughput series for CSV export.
type Metrics struct {
	mu         sync.Mutex
	successes  int64
	failures   int64
	reconnects int64
	latencies  []time.Duration
	perSecond  map[int64]int64
}

func NewMetrics() *Metrics {
	return &Metrics{perSecond: make(map[int64]int64)}
}

func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	m.latencies = append(m.latencies, latency)
	m.perSecond[time.Now().Unix()]++
}

func (m *Metrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *Metrics) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

func (m *Metrics) Successes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successes
}

func (m *Metrics) Failures() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Metrics) Reconnects() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Percentile returns the p-th latency percentile (0 < p <= 100) using
// nearest-rank on a sorted copy.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted)) * p / 100)
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Summary renders a single-line report for the end of a run.
func (m *Metrics) Summary() string {
	return fmt.Sprintf("sent=%d failed=%d reconnects=%d p50=%s p95=%s p99=%s",
		m.Successes(), m.Failures(), m.Reconnects(),
		m.Percentile(50), m.Percentile(95), m.Percentile(99))
}

// WriteThroughputCSV writes the per-second send counts as "second,messages"
// rows in chronological order.
func (m *Metrics) WriteThroughputCSV(w io.Writer) error {
	m.mu.Lock()
	seconds := make([]int64, 0, len(m.perSecond))
	for s := range m.perSecond {
		seconds = append(seconds, s)
	}
	counts := make(map[int64]int64, len(m.perSecond))
	for s, c := range m.perSecond {
		counts[s] = c
	}
	m.mu.Unlock()

	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	if _, err := fmt.Fprintln(w, "second,messages"); err != nil {
		return err
	}
	for _, s := range seconds {
		if _, err := fmt.Fprintf(w, "%d,%d\n", s, counts[s]); err != nil {
			return err
		}
	}
	return nil
}
