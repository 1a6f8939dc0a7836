// Package retry wraps outbound calls to external collaborators (membership
// server, admission authority, proof verifier, relay webhook) with bounded
// exponential backoff and maps their failures onto protocol error kinds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relves/anonsignal/pkg/types"
)

// Policy bounds retries.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultPolicy retries four times over at most ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// NoRetry makes exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxTries: 1}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. Exhausted transient failures become NetworkFailure; context
// cancellation becomes Cancelled; permanent errors pass through unchanged.
func Do[T any](ctx context.Context, p Policy, what string, op func() (T, error)) (T, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.backOff())}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}

	var permanent bool
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		var perm *permanentError
		if errors.As(err, &perm) {
			permanent = true
			return v, backoff.Permanent(perm.err)
		}
		return v, err
	}, opts...)
	if err == nil {
		return res, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, types.Wrap(types.KindCancelled, ctxErr, what)
	}
	if permanent {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Unwrap()
		}
		return zero, err
	}
	return zero, types.Wrap(types.KindNetworkFailure, err, what)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// CheckStatus returns nil for 2xx, a retryable error for 429 and 5xx, and a
// permanent error for anything else.
func CheckStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("remote returned status %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("remote returned status %d", resp.StatusCode))
	}
}
