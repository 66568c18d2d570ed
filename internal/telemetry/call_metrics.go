// Package telemetry collects in-process call metrics for the backend client.
// Nothing is persisted; snapshots are read by `contextual status`, which can
// also render them in the Prometheus text format.
package telemetry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP100  LatencyBucket = "p100"  // 10-100ms
	BucketP1000 LatencyBucket = "p1000" // 100ms-1s
	BucketP10s  LatencyBucket = "p10s"  // 1-10s
	BucketSlow  LatencyBucket = "slow"  // >=10s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < 10*time.Millisecond:
		return BucketP10
	case d < 100*time.Millisecond:
		return BucketP100
	case d < time.Second:
		return BucketP1000
	case d < 10*time.Second:
		return BucketP10s
	default:
		return BucketSlow
	}
}

// =============================================================================
// Call Event
// =============================================================================

// CallEvent is one finished backend call.
type CallEvent struct {
	Method  string        `json:"method"`
	Latency time.Duration `json:"latency"`
	// ErrCode is the error code of a failed call, empty on success.
	ErrCode   string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed reports whether the call ended in an error.
func (e CallEvent) Failed() bool {
	return e.ErrCode != ""
}

// =============================================================================
// Snapshot
// =============================================================================

// MethodStats aggregates the calls of one method.
type MethodStats struct {
	Method   string                  `json:"method"`
	Calls    int64                   `json:"calls"`
	Failures int64                   `json:"failures"`
	Latency  map[LatencyBucket]int64 `json:"latency"`
}

// Snapshot is an immutable copy of the collected metrics.
type Snapshot struct {
	TotalCalls     int64            `json:"total_calls"`
	TotalFailures  int64            `json:"total_failures"`
	Methods        []MethodStats    `json:"methods"`
	ErrorCodes     map[string]int64 `json:"error_codes"`
	RecentFailures []CallEvent      `json:"recent_failures"`
	Since          time.Time        `json:"since"`
}

// FailureRate returns failures as a fraction of all calls.
func (s Snapshot) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalCalls)
}

// =============================================================================
// Call Metrics
// =============================================================================

const (
	// DefaultMethodCapacity bounds the number of distinct methods tracked.
	DefaultMethodCapacity = 64
	// DefaultRecentFailures is how many failed calls are kept for inspection.
	DefaultRecentFailures = 20
)

// CallMetrics collects call telemetry. Safe for concurrent use.
type CallMetrics struct {
	mu sync.Mutex

	// Least recently used methods are dropped past capacity, so callers
	// inventing method names cannot grow this without bound.
	methods *lru.Cache[string, *MethodStats]
	errors  map[string]int64
	recent  *ring[CallEvent]

	total    int64
	failures int64
	since    time.Time
}

// NewCallMetrics creates a collector keeping recentFailures failed calls.
func NewCallMetrics(recentFailures int) *CallMetrics {
	if recentFailures <= 0 {
		recentFailures = DefaultRecentFailures
	}
	// lru.New only fails for a non-positive size.
	methods, _ := lru.New[string, *MethodStats](DefaultMethodCapacity)
	return &CallMetrics{
		methods: methods,
		errors:  make(map[string]int64),
		recent:  newRing[CallEvent](recentFailures),
		since:   time.Now(),
	}
}

// Record adds one finished call.
func (m *CallMetrics) Record(e CallEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.methods.Get(e.Method)
	if !ok {
		stats = &MethodStats{Method: e.Method, Latency: make(map[LatencyBucket]int64)}
		m.methods.Add(e.Method, stats)
	}
	stats.Calls++
	stats.Latency[LatencyToBucket(e.Latency)]++
	m.total++

	if e.Failed() {
		stats.Failures++
		m.failures++
		m.errors[e.ErrCode]++
		m.recent.add(e)
	}
}

// Snapshot returns a copy of the current metrics. Methods are sorted by name;
// recent failures are oldest first.
func (m *CallMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TotalCalls:     m.total,
		TotalFailures:  m.failures,
		Methods:        make([]MethodStats, 0, m.methods.Len()),
		ErrorCodes:     make(map[string]int64, len(m.errors)),
		RecentFailures: m.recent.items(),
		Since:          m.since,
	}
	for _, stats := range m.methods.Values() {
		c := *stats
		c.Latency = make(map[LatencyBucket]int64, len(stats.Latency))
		for b, n := range stats.Latency {
			c.Latency[b] = n
		}
		snap.Methods = append(snap.Methods, c)
	}
	sort.Slice(snap.Methods, func(i, j int) bool { return snap.Methods[i].Method < snap.Methods[j].Method })
	for code, n := range m.errors {
		snap.ErrorCodes[code] = n
	}
	return snap
}

// Reset clears all metrics.
func (m *CallMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.methods.Purge()
	m.errors = make(map[string]int64)
	m.recent.clear()
	m.total = 0
	m.failures = 0
	m.since = time.Now()
}

// ring is a fixed-capacity FIFO that overwrites its oldest item.
// Callers synchronize access.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(item T) {
	r.buf[r.next] = item
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) items() []T {
	if !r.full {
		return append(make([]T, 0, r.next), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *ring[T]) clear() {
	clear(r.buf)
	r.next = 0
	r.full = false
}
