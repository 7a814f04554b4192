package signal

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Window bounds for the rolling micro-VWAP. The API expresses the window
// in minutes clamped to [0.5, 60]; these are the same bounds in seconds.
const (
	MinVWAPWindow = 30 * time.Second
	MaxVWAPWindow = 3600 * time.Second
)

type vwapSample struct {
	at    time.Time
	price float64
	size  int64
}

// MicroVWAP is a rolling time-windowed trade buffer producing the
// volume-weighted average price and its weighted standard deviation.
// The buffer self-prunes on every Ingest and Compute so memory stays
// bounded for arbitrarily long sessions.
type MicroVWAP struct {
	mu      sync.Mutex
	window  time.Duration
	samples []vwapSample
}

// NewMicroVWAP builds a tracker with the window clamped to
// [MinVWAPWindow, MaxVWAPWindow].
func NewMicroVWAP(window time.Duration) *MicroVWAP {
	return &MicroVWAP{window: clampWindow(window)}
}

// SetWindow adjusts the rolling window, re-clamped to the same bounds.
func (m *MicroVWAP) SetWindow(window time.Duration) {
	m.mu.Lock()
	m.window = clampWindow(window)
	m.mu.Unlock()
}

// Window returns the effective rolling window.
func (m *MicroVWAP) Window() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window
}

// Ingest appends one trade and prunes entries that have left the window,
// so a trades-only stretch cannot grow the buffer. Zero or negative sizes
// are ignored.
func (m *MicroVWAP) Ingest(at time.Time, price float64, size int64) {
	if size <= 0 {
		return
	}
	m.mu.Lock()
	m.pruneLocked(at.Add(-m.window))
	m.samples = append(m.samples, vwapSample{at: at, price: price, size: size})
	m.mu.Unlock()
}

// Bootstrap merges a batch of historical samples in front of whatever live
// trades have already arrived, so early signals are not starved right
// after symbol activation. Samples are re-sorted by time; the first live
// prune discards anything outside the window.
func (m *MicroVWAP) Bootstrap(at []time.Time, price []float64, size []int64) {
	n := min(len(at), min(len(price), len(size)))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		if size[i] <= 0 {
			continue
		}
		m.samples = append(m.samples, vwapSample{at: at[i], price: price[i], size: size[i]})
	}
	sort.SliceStable(m.samples, func(i, j int) bool {
		return m.samples[i].at.Before(m.samples[j].at)
	})
}

// Reset drops all buffered samples (symbol switch).
func (m *MicroVWAP) Reset() {
	m.mu.Lock()
	m.samples = m.samples[:0]
	m.mu.Unlock()
}

// Compute prunes entries older than now-window and returns the weighted
// average price and sigma. ok is false when no weighted volume remains.
func (m *MicroVWAP) Compute(now time.Time) (vwap, sigma float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now.Add(-m.window))

	var w, pw, ppw float64
	for _, s := range m.samples {
		sz := float64(s.size)
		w += sz
		pw += s.price * sz
		ppw += s.price * s.price * sz
	}
	if w <= 0 {
		return 0, 0, false
	}
	vwap = pw / w
	variance := ppw/w - vwap*vwap
	if variance < 0 {
		variance = 0
	}
	return vwap, math.Sqrt(variance), true
}

func (m *MicroVWAP) pruneLocked(cutoff time.Time) {
	keep := 0
	for keep < len(m.samples) && m.samples[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		m.samples = m.samples[keep:]
	}
}

func clampWindow(w time.Duration) time.Duration {
	if w < MinVWAPWindow {
		return MinVWAPWindow
	}
	if w > MaxVWAPWindow {
		return MaxVWAPWindow
	}
	return w
}
