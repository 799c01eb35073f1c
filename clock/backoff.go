package clock

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff describes an exponential retry delay: attempt i waits
// min(Cap, Base*2^(i-1)), randomized by ±Jitter.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the un-jittered delay for the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Clamp bounds d to [Base, Cap]. It is used for server provided retry hints.
func (b Backoff) Clamp(d time.Duration) time.Duration {
	if d < b.Base {
		return b.Base
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Sequence starts a fresh stateful delay sequence for one in-flight request.
func (b Backoff) Sequence() *Sequence {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: b.Jitter,
		Multiplier:          2,
		MaxInterval:         b.Cap,
	}
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(math.MaxInt64)
	}
	exp.Reset()
	return &Sequence{exp: exp}
}

// Sequence yields successive jittered delays.
type Sequence struct {
	exp      *backoff.ExponentialBackOff
	attempts int
}

// Next returns the delay before the next attempt.
func (s *Sequence) Next() time.Duration {
	s.attempts++
	return s.exp.NextBackOff()
}

// Attempts returns how many delays have been handed out.
func (s *Sequence) Attempts() int {
	return s.attempts
}
