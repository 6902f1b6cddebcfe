// Package collab bounds calls into external collaborators with a per-call
// timeout and a small number of retries with exponential backoff.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lucasnoah/infrafactory/internal/config"
)

// ErrTimeout is returned when a single call exceeds its deadline.
var ErrTimeout = errors.New("collaborator call timed out")

// Policy bounds one collaborator call.
type Policy struct {
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy mirrors the built-in collaborators config.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    2 * time.Minute,
		Retries:    2,
		Backoff:    2 * time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// FromConfig builds a Policy from the collaborators config section.
func FromConfig(c config.Collaborators) Policy {
	return Policy{
		Timeout:    c.Timeout,
		Retries:    c.Retries,
		Backoff:    c.Backoff,
		MaxBackoff: c.MaxBackoff,
	}
}

// WithTimeout returns a copy of p with a different per-call timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	if d > 0 {
		p.Timeout = d
	}
	return p
}

// NoRetry returns a copy of p that makes exactly one attempt.
func (p Policy) NoRetry() Policy {
	p.Retries = 0
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// onRetry observes every backoff wait; replaced in tests.
var onRetry = func(name string, err error, wait time.Duration) {}

func (p Policy) backOff() backoff.BackOff {
	if p.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Reset()
	return b
}

// Call runs fn under p. Each attempt gets its own deadline and is abandoned
// once the deadline passes, whether or not fn honours its context. Failures
// other than Permanent errors are retried up to p.Retries times. The returned
// error names the collaborator and wraps the last failure.
func Call[T any](ctx context.Context, p Policy, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	tries := 0
	retries := max(p.Retries, 0)

	v, err := backoff.Retry(ctx, func() (T, error) {
		tries++
		v, err := once(ctx, p.Timeout, fn)
		if err != nil {
			lastErr = err
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) { onRetry(name, err, wait) }),
	)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		return zero, fmt.Errorf("%s: retry cancelled: %w", name, ctx.Err())
	}
	if tries > 1 {
		return zero, fmt.Errorf("%s failed after %d attempts: %w", name, tries, err)
	}
	return zero, fmt.Errorf("%s: %w", name, err)
}

// Do is Call for functions without a result.
func Do(ctx context.Context, p Policy, name string, fn func(context.Context) error) error {
	_, err := Call(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

func once[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
