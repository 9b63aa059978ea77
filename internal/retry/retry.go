// Package retry implements bounded exponential backoff with jitter for
// transient failures.
package retry

import (
	"math/rand"
	"time"
)

type Policy struct {
	Attempts   int
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
}

// Backoff returns the delay before retry number attempt (0-based):
// base * multiplier^attempt, capped, plus up to 10% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	jitter := rand.Float64() * d * 0.1
	return time.Duration(d + jitter)
}

// Do runs fn up to p.Attempts times, sleeping Backoff(i) between
// attempts, and returns the last error.
func (p Policy) Do(fn func() error) error {
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < p.Attempts-1 {
			time.Sleep(p.Backoff(attempt))
		}
	}
	return err
}
