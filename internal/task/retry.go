package task

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often and how quickly a failed task is started again
type RetryPolicy struct {
	// MaxRetries is the number of restarts allowed per task. Zero disables retries.
	MaxRetries uint64

	// BaseDelay is the first backoff delay; later delays double. Zero restarts
	// immediately.
	BaseDelay time.Duration

	// MaxDelay caps individual delays. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with reasonable defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// NewBackoff returns a fresh backoff sequence for one task
func (p RetryPolicy) NewBackoff() retry.Backoff {
	var b retry.Backoff
	if p.BaseDelay <= 0 {
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			return 0, false
		})
	} else {
		b = retry.NewExponential(p.BaseDelay)
		if p.MaxDelay > 0 {
			b = retry.WithCappedDuration(p.MaxDelay, b)
		}
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}
