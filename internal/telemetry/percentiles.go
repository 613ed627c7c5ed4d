package telemetry

import (
	"sort"
	"sync"
	"time"
)

const ringSize = 1000

// Tracker keeps a fixed ring of recent duration samples and answers
// percentile queries over it. Memory is constant regardless of volume.
type Tracker struct {
	mu      sync.Mutex
	samples [ringSize]time.Duration
	next    int
	filled  int
	total   uint64
}

// Record adds one sample, evicting the oldest once the ring is full.
func (t *Tracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = d
	t.next = (t.next + 1) % ringSize
	if t.filled < ringSize {
		t.filled++
	}
	t.total++
}

// Percentile returns the p-th percentile (0 < p <= 100) of the retained
// window, or 0 when empty.
func (t *Tracker) Percentile(p float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled == 0 {
		return 0
	}
	window := make([]time.Duration, t.filled)
	copy(window, t.samples[:t.filled])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	idx := int(p/100*float64(t.filled)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= t.filled {
		idx = t.filled - 1
	}
	return window[idx]
}

// Count returns how many samples were ever recorded.
func (t *Tracker) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summary is a percentile snapshot of one metric.
type Summary struct {
	P50, P95, P99 time.Duration
	Count         uint64
}

// Metrics is a named collection of trackers.
type Metrics struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewMetrics() *Metrics {
	return &Metrics{trackers: make(map[string]*Tracker)}
}

// Observe records a duration sample under name.
func (m *Metrics) Observe(name string, d time.Duration) {
	m.tracker(name).Record(d)
}

func (m *Metrics) tracker(name string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[name]
	if !ok {
		t = &Tracker{}
		m.trackers[name] = t
	}
	return t
}

// Snapshot summarizes every metric.
func (m *Metrics) Snapshot() map[string]Summary {
	m.mu.Lock()
	names := make([]string, 0, len(m.trackers))
	for name := range m.trackers {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Summary, len(names))
	for _, name := range names {
		t := m.tracker(name)
		out[name] = Summary{
			P50:   t.Percentile(50),
			P95:   t.Percentile(95),
			P99:   t.Percentile(99),
			Count: t.Count(),
		}
	}
	return out
}
