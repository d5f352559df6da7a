package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy controls how a dropped connection is retried. Delays grow
// by Multiplier from InitialDelay up to MaxDelay. After MaxAttempts failed
// attempts in a row the connection gives up; zero retries forever.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter randomizes each delay by up to this fraction.
	Jitter      float64
	MaxAttempts int
}

// DefaultReconnectPolicy waits 5s, doubling to a one minute cap, and gives
// up after ten failed attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 5 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  10,
	}
}

// FixedReconnectPolicy retries every delay, forever.
func FixedReconnectPolicy(delay time.Duration) ReconnectPolicy {
	return ReconnectPolicy{InitialDelay: delay, MaxDelay: delay, Multiplier: 1}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	p = p.withDefaults()
	if p.Multiplier == 1 && p.Jitter == 0 {
		return backoff.NewConstantBackOff(p.InitialDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// exhausted reports whether failures consecutive failed attempts used up the
// policy.
func (p ReconnectPolicy) exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures > p.MaxAttempts
}

// Delays returns the first n delays of the policy.
func (p ReconnectPolicy) Delays(n int) []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
