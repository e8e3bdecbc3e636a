// Package speed computes smoothed throughput from periodic progress samples.
package speed

import (
	"sync"
	"time"
)

// DefaultAlpha is the smoothing factor used by NewTracker when alpha is out of range
const DefaultAlpha = 0.3

// Tracker turns cumulative progress samples into an exponentially smoothed
// rate in units per second. It performs no I/O and is safe for concurrent use.
type Tracker struct {
	alpha float64

	mu       sync.Mutex
	lastSize int64
	lastAt   time.Time
	hasLast  bool
	rate     float64
	hasRate  bool
}

// NewTracker creates a tracker with smoothing factor alpha in (0, 1].
// Higher values follow the instantaneous rate more closely.
func NewTracker(alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{alpha: alpha}
}

// Sample records that completed units were done at time at.
//
// Samples that do not move time forward are ignored. A completed value lower
// than the previous one (e.g. a restarted download) resets the baseline
// without touching the current rate.
func (t *Tracker) Sample(completed int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		t.lastSize, t.lastAt, t.hasLast = completed, at, true
		return
	}
	if !at.After(t.lastAt) {
		return
	}
	if completed < t.lastSize {
		t.lastSize, t.lastAt = completed, at
		return
	}

	elapsed := at.Sub(t.lastAt).Seconds()
	instant := float64(completed-t.lastSize) / elapsed
	if t.hasRate {
		t.rate = t.alpha*instant + (1-t.alpha)*t.rate
	} else {
		t.rate, t.hasRate = instant, true
	}
	t.lastSize, t.lastAt = completed, at
}

// Rate returns the smoothed rate in units per second, or 0 before two samples
// have been recorded.
func (t *Tracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// Reset forgets all samples
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSize, t.lastAt, t.hasLast = 0, time.Time{}, false
	t.rate, t.hasRate = 0, false
}
