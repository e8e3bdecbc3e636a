package speed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_Rate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("no rate before two samples", func(t *testing.T) {
		tr := NewTracker(0.5)
		assert.Zero(t, tr.Rate())
		tr.Sample(100, base)
		assert.Zero(t, tr.Rate())
	})

	t.Run("first interval sets the rate directly", func(t *testing.T) {
		tr := NewTracker(0.5)
		tr.Sample(0, base)
		tr.Sample(1000, base.Add(time.Second))
		assert.InDelta(t, 1000.0, tr.Rate(), 0.001)
	})

	t.Run("later intervals are smoothed", func(t *testing.T) {
		tr := NewTracker(0.5)
		tr.Sample(0, base)
		tr.Sample(1000, base.Add(time.Second))
		tr.Sample(4000, base.Add(2*time.Second))
		// 0.5*3000 + 0.5*1000
		assert.InDelta(t, 2000.0, tr.Rate(), 0.001)
	})

	t.Run("non-monotonic time is ignored", func(t *testing.T) {
		tr := NewTracker(0.5)
		tr.Sample(0, base)
		tr.Sample(1000, base.Add(time.Second))
		tr.Sample(9000, base.Add(time.Second))
		tr.Sample(9000, base)
		assert.InDelta(t, 1000.0, tr.Rate(), 0.001)
	})

	t.Run("decreasing size resets baseline", func(t *testing.T) {
		tr := NewTracker(1)
		tr.Sample(5000, base)
		tr.Sample(6000, base.Add(time.Second))
		tr.Sample(0, base.Add(2*time.Second))
		assert.InDelta(t, 1000.0, tr.Rate(), 0.001)
		tr.Sample(500, base.Add(3*time.Second))
		assert.InDelta(t, 500.0, tr.Rate(), 0.001)
	})

	t.Run("reset clears state", func(t *testing.T) {
		tr := NewTracker(0)
		tr.Sample(0, base)
		tr.Sample(1000, base.Add(time.Second))
		tr.Reset()
		assert.Zero(t, tr.Rate())
		tr.Sample(10, base.Add(5*time.Second))
		assert.Zero(t, tr.Rate())
	})
}

func TestNewTracker_DefaultAlpha(t *testing.T) {
	assert.Equal(t, DefaultAlpha, NewTracker(-1).alpha)
	assert.Equal(t, DefaultAlpha, NewTracker(2).alpha)
	assert.Equal(t, 0.7, NewTracker(0.7).alpha)
}
