package pipeline

import (
	"sort"
	"sync"
	"time"
)

// RateWindow measures events per second over a sliding time window.
type RateWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

// NewRateWindow creates a window of the given span (default 1s).
func NewRateWindow(window time.Duration) *RateWindow {
	if window <= 0 {
		window = time.Second
	}
	return &RateWindow{window: window}
}

// Tick records one event at now.
func (w *RateWindow) Tick(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, now)
	w.pruneLocked(now)
}

// Rate returns the event rate observed within the window ending at now.
func (w *RateWindow) Rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if len(w.times) < 2 {
		return 0
	}
	span := w.times[len(w.times)-1].Sub(w.times[0])
	if span <= 0 {
		return 0
	}
	return float64(len(w.times)-1) / span.Seconds()
}

// Reset discards all samples.
func (w *RateWindow) Reset() {
	w.mu.Lock()
	w.times = w.times[:0]
	w.mu.Unlock()
}

func (w *RateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// LatencyWindow keeps the last N latency samples in a ring.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// NewLatencyWindow creates a window of size samples (default 100).
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 100
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Add records a sample, overwriting the oldest when full.
func (w *LatencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *LatencyWindow) snapshotLocked() []time.Duration {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	out := make([]time.Duration, n)
	copy(out, w.samples[:n])
	return out
}

// Average returns the mean of the retained samples.
func (w *LatencyWindow) Average() time.Duration {
	w.mu.Lock()
	s := w.snapshotLocked()
	w.mu.Unlock()
	if len(s) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	return sum / time.Duration(len(s))
}

// P95 returns the 95th percentile of the retained samples.
func (w *LatencyWindow) P95() time.Duration {
	w.mu.Lock()
	s := w.snapshotLocked()
	w.mu.Unlock()
	if len(s) == 0 {
		return 0
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := int(float64(len(s)) * 0.95)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// Reset discards all samples.
func (w *LatencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.samples {
		w.samples[i] = 0
	}
	w.next = 0
	w.filled = false
}
