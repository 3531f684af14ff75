package queue

import (
	"context"
	"time"
)

// reconnectPolicy spaces broker reconnect attempts. The wait doubles after
// every failure up to ceiling and drops back to initial once a session has
// done useful work.
type reconnectPolicy struct {
	initial  time.Duration
	ceiling  time.Duration
	current  time.Duration
	attempts int
}

func newReconnectPolicy() *reconnectPolicy {
	return &reconnectPolicy{
		initial: reconnectBackoff,
		ceiling: maxBackoff,
		current: reconnectBackoff,
	}
}

// next returns the wait before the upcoming attempt and advances the policy.
func (p *reconnectPolicy) next() time.Duration {
	wait := p.current
	p.attempts++

	p.current *= 2
	if p.current > p.ceiling {
		p.current = p.ceiling
	}
	return wait
}

func (p *reconnectPolicy) reset() {
	p.current = p.initial
	p.attempts = 0
}

// sleep waits out the next backoff step or returns early with ctx's error.
func (p *reconnectPolicy) sleep(ctx context.Context) error {
	timer := time.NewTimer(p.next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
