package monitor

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// LatencyHistogram keeps the most recent samples in a fixed window. Stats are
// recomputed lazily when the window changed.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	dirty   bool
	cached  LatencyStats
}

// LatencyStats are in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, size)}
}

// Record adds a sample in milliseconds, overwriting the oldest once full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = ms
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}

	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n-1)*0.95)],
		P99:   sorted[int(float64(n-1)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// RuntimeSnapshot is the process view served with the status resource.
type RuntimeSnapshot struct {
	IntentLatency  LatencyStats `json:"intent_latency"`
	GoroutineCount int          `json:"goroutines"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Runtime returns a point-in-time snapshot.
func (m *Metrics) Runtime() RuntimeSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeSnapshot{
		IntentLatency:  m.IntentLatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      ms.HeapAlloc,
		HeapSys:        ms.HeapSys,
		Timestamp:      time.Now(),
	}
}
