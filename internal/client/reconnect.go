package client

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 60 * time.Second
	jitter            = 0.25
)

// Reconnector implements exponential backoff with jitter.
type Reconnector struct {
	min, max time.Duration
	attempt  int
}

// NewReconnector creates a Reconnector. Non-positive bounds fall back
// to 1s and 60s.
func NewReconnector(min, max time.Duration) *Reconnector {
	if min <= 0 {
		min = defaultMinBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if max < min {
		max = min
	}
	return &Reconnector{min: min, max: max}
}

// Wait blocks for the next backoff delay and returns false if stopped
// first.
func (r *Reconnector) Wait(stopCh <-chan struct{}) bool {
	t := time.NewTimer(r.nextDelay())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	}
}

// Reset resets the backoff counter (call after a successful handshake).
func (r *Reconnector) Reset() {
	r.attempt = 0
}

func (r *Reconnector) nextDelay() time.Duration {
	// Exponential: min * 2^attempt, capped at max
	base := float64(r.min) * math.Pow(2, float64(r.attempt))
	if base > float64(r.max) {
		base = float64(r.max)
	}

	// Add jitter: ±25%
	j := base * jitter * (2*rand.Float64() - 1)
	d := time.Duration(base + j)
	if d < r.min {
		d = r.min
	}
	if d > r.max {
		d = r.max
	}

	r.attempt++
	return d
}
