package transport

import "time"

// Reconnect defaults
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Backoff doubles the delay per attempt up to Max, for at most MaxAttempts
// attempts.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 1s, 2s, 4s, 8s, 16s, then give up
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt number attempt (0-based)
// and false once the attempts are exhausted.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	b = b.withDefaults()
	if attempt < 0 || attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max, true
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d, true
}
