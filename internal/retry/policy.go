// Package retry computes backoff delays for failed sync tasks.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
	DefaultFactor    = 2
)

// Policy defines exponential backoff with additive jitter.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Rand returns a value in [0, n). Nil uses math/rand/v2.
	Rand func(n int64) int64
}

// Delay returns the wait before the next attempt after the given number of
// failed attempts (1-based): base*factor^(n-1) plus jitter in [0, base),
// clamped to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = DefaultFactor
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}

	exp := float64(base) * math.Pow(factor, float64(attempt-1))
	if exp >= float64(ceiling) {
		return ceiling
	}

	d := time.Duration(exp) + p.jitter(base)
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Exhausted reports whether a task that has failed retries times is out of attempts.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

func (p Policy) jitter(base time.Duration) time.Duration {
	if p.Rand != nil {
		return time.Duration(p.Rand(int64(base)))
	}
	return time.Duration(rand.Int64N(int64(base)))
}
