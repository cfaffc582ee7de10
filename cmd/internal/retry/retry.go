// Package retry holds the backoff policy for remote calls.
//
// Each call class (claim, fetch, redeem, ...) keeps its own delay sequence so
// failures in one class never stretch delays in another. Within a class, delays
// never decrease until Reset, and never exceed Policy.Max.
package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class names a remote-call class with its own backoff state.
type Class string

const (
	ClassClaim   Class = "claim"
	ClassFetch   Class = "fetch"
	ClassRedeem  Class = "redeem"
	ClassIssuers Class = "issuers"
)

// ErrPolicy is returned by Policy.Validate.
var ErrPolicy = errors.New("retry: invalid policy")

// Policy configures exponential backoff with jitter.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	// Short is the fixed delay for RetryShort outcomes.
	Short time.Duration

	// MaxElapsed stops retrying after this long. Zero retries forever.
	MaxElapsed time.Duration
}

// DefaultPolicy is 1s initial, x2, capped at 1m, 20% jitter, 5s short retry.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Multiplier: 2,
		Max:        time.Minute,
		Jitter:     0.2,
		Short:      5 * time.Second,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.Initial <= 0:
		return fmt.Errorf("%w: initial must be positive", ErrPolicy)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrPolicy)
	case p.Max < p.Initial:
		return fmt.Errorf("%w: max must be >= initial", ErrPolicy)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("%w: jitter must be in [0,1)", ErrPolicy)
	case p.Short <= 0:
		return fmt.Errorf("%w: short must be positive", ErrPolicy)
	case p.MaxElapsed < 0:
		return fmt.Errorf("%w: max elapsed must not be negative", ErrPolicy)
	}
	return nil
}

// Monotonic is a backoff.BackOff whose delays never decrease until Reset.
// Safe for concurrent use.
type Monotonic struct {
	mu   sync.Mutex
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

var _ backoff.BackOff = (*Monotonic)(nil)

// NewMonotonic builds a Monotonic from p.
func NewMonotonic(p Policy) *Monotonic {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.Max
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = p.MaxElapsed
	exp.Reset()
	return &Monotonic{exp: exp, max: p.Max}
}

// NextBackOff returns max(previous, next jittered delay), clamped to Max.
func (m *Monotonic) NextBackOff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.exp.NextBackOff()
	if d == backoff.Stop {
		return backoff.Stop
	}
	if d < m.last {
		d = m.last
	}
	if d > m.max {
		d = m.max
	}
	m.last = d
	return d
}

// Reset starts the sequence over.
func (m *Monotonic) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exp.Reset()
	m.last = 0
}

// Tracker keeps one Monotonic per Class.
type Tracker struct {
	policy Policy

	mu      sync.Mutex
	classes map[Class]*Monotonic
}

// NewTracker returns a tracker for p. Callers validate p first.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p, classes: make(map[Class]*Monotonic)}
}

// Policy returns the tracker's policy.
func (t *Tracker) Policy() Policy { return t.policy }

// For returns the shared backoff for c.
func (t *Tracker) For(c Class) *Monotonic {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.classes[c]
	if m == nil {
		m = NewMonotonic(t.policy)
		t.classes[c] = m
	}
	return m
}

// Next returns the next delay for c.
func (t *Tracker) Next(c Class) time.Duration { return t.For(c).NextBackOff() }

// Short returns the fixed RetryShort delay.
func (t *Tracker) Short() time.Duration { return t.policy.Short }

// Reset clears c after a success.
func (t *Tracker) Reset(c Class) { t.For(c).Reset() }
