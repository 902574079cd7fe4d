package feed

import (
	"math/rand"
	"time"
)

// Backoff produces capped, jittered exponential reconnect delays.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of each delay that is randomised, 0..1
	MaxAttempts int     // 0 means unlimited

	attempt int
	rand    func() float64
}

// Next returns the delay before the next attempt, or false once MaxAttempts is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}

	d := float64(b.Initial)
	for i := 0; i < b.attempt && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	b.attempt++

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d -= d * b.Jitter * r()
	}
	return time.Duration(d), true
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts the sequence over, after a connection proved healthy.
func (b *Backoff) Reset() {
	b.attempt = 0
}
