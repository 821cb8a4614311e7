package client

import "time"

// Backoff is the reconnect schedule of a Provider. Attempt n waits
// min(Base*2^n, Cap); after MaxAttempts consecutive failures the provider
// stops retrying. MaxAttempts <= 0 retries forever.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 10}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether failures consecutive failed attempts used up
// the schedule.
func (b Backoff) Exhausted(failures int) bool {
	return b.MaxAttempts > 0 && failures >= b.MaxAttempts
}
