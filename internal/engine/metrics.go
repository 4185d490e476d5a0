package engine

import (
	"sync"
	"time"
)

// Metrics counts what the dispatcher did over one run. Snapshot is safe to
// call while the run is live.
type Metrics struct {
	mu sync.Mutex

	startedAt time.Time
	endedAt   time.Time

	dispatched        int
	completed         int
	failed            int
	retried           int
	skipped           int
	spawned           int
	spawnsRejected    int
	decisionsRaised   int
	decisionsResolved int
	peakInFlight      int
	nodeTime          time.Duration
}

// MetricsSnapshot is the exported view, embedded in the session summary.
type MetricsSnapshot struct {
	Dispatched        int           `json:"dispatched"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Retried           int           `json:"retried"`
	Skipped           int           `json:"skipped"`
	Spawned           int           `json:"spawned"`
	SpawnsRejected    int           `json:"spawns_rejected"`
	DecisionsRaised   int           `json:"decisions_raised"`
	DecisionsResolved int           `json:"decisions_resolved"`
	PeakInFlight      int           `json:"peak_in_flight"`
	WallTime          time.Duration `json:"wall_time_ns"`
	NodeTime          time.Duration `json:"node_time_ns"`
	// Parallelism is summed attempt time over wall time; above 1 means the
	// semaphore actually overlapped work.
	Parallelism float64 `json:"parallelism"`
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) add(f func(*Metrics)) {
	m.mu.Lock()
	f(m)
	m.mu.Unlock()
}

func (m *Metrics) noteInFlight(n int) {
	m.add(func(m *Metrics) {
		if n > m.peakInFlight {
			m.peakInFlight = n
		}
	})
}

func (m *Metrics) finish() {
	m.add(func(m *Metrics) { m.endedAt = time.Now() })
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	wall := end.Sub(m.startedAt)
	var parallelism float64
	if wall > 0 {
		parallelism = float64(m.nodeTime) / float64(wall)
	}
	return MetricsSnapshot{
		Dispatched:        m.dispatched,
		Completed:         m.completed,
		Failed:            m.failed,
		Retried:           m.retried,
		Skipped:           m.skipped,
		Spawned:           m.spawned,
		SpawnsRejected:    m.spawnsRejected,
		DecisionsRaised:   m.decisionsRaised,
		DecisionsResolved: m.decisionsResolved,
		PeakInFlight:      m.peakInFlight,
		WallTime:          wall,
		NodeTime:          m.nodeTime,
		Parallelism:       parallelism,
	}
}
