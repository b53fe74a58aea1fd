// Package backoff retries a single provider call with exponential, jittered delays.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/lamim/copyforge/internal/provider"
)

// Policy bounds the retry loop
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64       // Extra delay as a fraction of the computed delay, up to this value
	AttemptTimeout time.Duration // Wall-clock limit per attempt, zero = none
}

// Hooks let the caller observe and steer the loop. All fields are optional.
type Hooks struct {
	// OnFailure is called after every failed attempt with the classified error
	OnFailure func(attempt int, err error)
	// OnRetry is called before sleeping
	OnRetry func(attempt int, delay time.Duration, err error)
	// Continue is consulted before each retry; returning false stops the loop
	Continue func() bool
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations under a Policy. It holds no per-call state and is
// safe for concurrent use.
type Executor struct {
	policy Policy
	sleep  Sleeper
	random func() float64
}

// Option configures an Executor
type Option func(*Executor)

// WithSleeper replaces the real sleep, for tests
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithRandom replaces the jitter source; f must return values in [0, 1)
func WithRandom(f func() float64) Option {
	return func(e *Executor) { e.random = f }
}

// New creates an Executor
func New(p Policy, opts ...Option) *Executor {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	e := &Executor{
		policy: p,
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Delay returns the wait before the retry that follows failed attempt n (0-based).
// A server wait hint carried by err replaces the computed delay.
func (e *Executor) Delay(n int, err error) time.Duration {
	if hint := provider.RetryAfterOf(err); hint > 0 {
		return hint
	}
	d := e.policy.MaxDelay
	if n < 32 {
		if exp := e.policy.BaseDelay << uint(n); exp > 0 && exp < d {
			d = exp
		}
	}
	if e.policy.Jitter > 0 {
		d += time.Duration(e.random() * e.policy.Jitter * float64(d))
	}
	return d
}

// Execute calls op until it succeeds, fails with a non-transient error,
// exhausts the policy's attempts or ctx is done. It returns the number of
// attempts made and the last error.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error, hooks Hooks) (int, error) {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := e.call(ctx, op)
		if err == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			// Cancelled by the caller, not a provider failure
			return attempt + 1, ctx.Err()
		}
		lastErr = err

		if hooks.OnFailure != nil {
			hooks.OnFailure(attempt, err)
		}
		if !provider.IsTransient(err) {
			return attempt + 1, err
		}
		if attempt+1 >= e.policy.MaxAttempts {
			break
		}
		if hooks.Continue != nil && !hooks.Continue() {
			return attempt + 1, err
		}

		delay := e.Delay(attempt, err)
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, delay, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return attempt + 1, err
		}
	}
	return e.policy.MaxAttempts, lastErr
}

// call runs one attempt under the per-attempt timeout. A deadline hit by the
// attempt itself is reported as a provider timeout.
func (e *Executor) call(ctx context.Context, op func(ctx context.Context) error) error {
	if e.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()

	err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		provider.KindOf(err) == provider.KindUnknown {
		return &provider.Error{Kind: provider.KindTimeout, Message: "attempt timed out", Err: err}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
