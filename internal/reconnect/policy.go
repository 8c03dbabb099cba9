// Package reconnect implements the bounded, monotonic backoff shared by camera
// ingestion and result delivery.
//
// The delay grows exponentially from InitialDelay by Multiplier and is capped
// at MaxDelay. There is no jitter, so successive delays never decrease.
// After MaxAttempts consecutive failures the Backoff is exhausted and stays
// exhausted until Reset.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned once the retry budget is spent.
var ErrExhausted = errors.New("reconnect: retry budget exhausted")

// Policy describes the retry budget and delay curve.
type Policy struct {
	MaxAttempts  int           // Maximum consecutive attempts (default: 10)
	InitialDelay time.Duration // Delay before the first retry (default: 500ms)
	MaxDelay     time.Duration // Delay cap (default: 10s)
	Multiplier   float64       // Growth factor per attempt, >= 1 (default: 2)
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("reconnect: delays must not be negative")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("reconnect: max delay %s below initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("reconnect: multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff is the explicit retry state of one reconnecting endpoint.
// It is not safe for concurrent use; each reader or client owns its own.
type Backoff struct {
	policy  Policy
	attempt int
	delay   time.Duration
}

// NewBackoff creates a Backoff for the policy. Zero fields take defaults.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p.withDefaults()}
}

// Policy returns the effective policy.
func (b *Backoff) Policy() Policy { return b.policy }

// Attempt returns the number of failures recorded since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Delay returns the delay computed by the last call to Next.
func (b *Backoff) Delay() time.Duration { return b.delay }

// Exhausted reports whether no attempts remain.
func (b *Backoff) Exhausted() bool { return b.attempt >= b.policy.MaxAttempts }

// Next records one failed attempt and returns the delay to wait before the
// next one. ok is false once MaxAttempts failures have been recorded.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.Exhausted() {
		return 0, false
	}
	b.attempt++
	if b.Exhausted() {
		return 0, false
	}
	switch {
	case b.attempt == 1:
		b.delay = b.policy.InitialDelay
	default:
		next := time.Duration(float64(b.delay) * b.policy.Multiplier)
		if next < b.delay {
			next = b.policy.MaxDelay
		}
		b.delay = next
	}
	if b.delay > b.policy.MaxDelay {
		b.delay = b.policy.MaxDelay
	}
	return b.delay, true
}

// Wait records a failure and sleeps for the resulting delay. It returns
// ErrExhausted when the last attempt has been used, or ctx.Err() if the
// context ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	delay, ok := b.Next()
	if !ok {
		return ErrExhausted
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the failure count after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = 0
}
