package reader

import (
	"math/rand"
	"time"

	"predictflow/config"
)

// Backoff computes reconnect delays: exponential doubling from BaseDelay up
// to MaxDelay, with jitter so a fleet of processes does not reconnect in
// lockstep. Next returns false once MaxAttempts consecutive failures have
// been consumed.
type Backoff struct {
	cfg     config.ReconnectConfig
	attempt int
}

func NewBackoff(cfg config.ReconnectConfig) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the upcoming attempt, or false when the
// attempt budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	delay := b.cfg.BaseDelay << uint(b.attempt)
	if delay > b.cfg.MaxDelay || delay <= 0 {
		delay = b.cfg.MaxDelay
	}
	b.attempt++
	return withJitter(delay), true
}

// Attempt reports how many consecutive failures have been consumed.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the failure streak after a healthy connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// withJitter spreads the delay across [0.75, 1.25) of its nominal value.
func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
