// Package retry bounds remote calls: a fixed number of attempts, each with
// its own timeout, spaced by exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
)

type Policy struct {
	Attempts        int           // total tries, default 3
	AttemptTimeout  time.Duration // per-try deadline, 0 = none
	InitialInterval time.Duration // 0 retries immediately
	MaxInterval     time.Duration
}

func (p Policy) backOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do runs op until it succeeds, fails permanently or runs out of attempts.
// Errors coded BACKEND_UNAVAILABLE or INVALID_ARGUMENT are not retried.
// notify, when set, sees every failed attempt.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify func(attempt int, err error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	n := 0
	return backoff.Retry(ctx, func() (T, error) {
		n++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		if notify != nil {
			notify(n, err)
		}
		if permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(uint(attempts)))
}

func permanent(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeBackendUnavailable, apperr.CodeInvalidArgument:
		return true
	}
	return false
}
