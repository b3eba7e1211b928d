// Package netdiag keeps a sliding window of transfer measurements and
// derives the aggregate figures the adaptive tuner consumes.
package netdiag

import (
	"math"
	"sync"
	"time"
)

// WindowSize is the maximum number of retained samples; the newest sample
// evicts the oldest.
const WindowSize = 10

// Sample is one completed transfer attempt's measurement.
type Sample struct {
	SpeedBPS  float64
	LatencyMS float64
	At        time.Time
}

// Window is the sliding sample window. Any number of goroutines may read
// concurrently; writes go through a single owner (the session controller).
type Window struct {
	mu      sync.RWMutex
	samples []Sample
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{samples: make([]Sample, 0, WindowSize)}
}

// Observe appends a sample, evicting the oldest once the window is full.
func (w *Window) Observe(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) == WindowSize {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:WindowSize-1]
	}
	w.samples = append(w.samples, s)
}

// Len returns the current number of samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// MeanSpeed returns the arithmetic mean of the sampled speeds in bytes/sec,
// 0 when the window is empty.
func (w *Window) MeanSpeed() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.SpeedBPS
	}
	return sum / float64(len(w.samples))
}

// MeanLatency returns the arithmetic mean of the sampled latencies in
// milliseconds, 0 when the window is empty.
func (w *Window) MeanLatency() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return meanLatencyLocked(w.samples)
}

// LatencyStddev returns the sample standard deviation of the latencies,
// 0 with fewer than two samples.
func (w *Window) LatencyStddev() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return latencyStddevLocked(w.samples)
}

// Stability scores how smooth the connection is: 1 - stddev/mean latency,
// clamped to [0, 1]. 0 when there is no latency data.
func (w *Window) Stability() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	mean := meanLatencyLocked(w.samples)
	if mean <= 0 {
		return 0
	}
	stability := 1 - latencyStddevLocked(w.samples)/mean
	if stability < 0 {
		return 0
	}
	if stability > 1 {
		return 1
	}
	return stability
}

func meanLatencyLocked(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.LatencyMS
	}
	return sum / float64(len(samples))
}

func latencyStddevLocked(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	mean := meanLatencyLocked(samples)
	var sum float64
	for _, s := range samples {
		d := s.LatencyMS - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)-1))
}
