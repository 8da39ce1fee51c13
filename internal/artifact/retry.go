package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"draftline/internal/domain"
)

// Retry runs an operation up to Attempts times, sleeping BaseDelay, 2*BaseDelay,
// 4*BaseDelay, ... between attempts.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
}

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	var sizeErr *SizeError
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrArtifactExists), errors.Is(err, domain.ErrInvalidInput), errors.As(err, &sizeErr):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r Retry) policy(ctx context.Context) backoff.BackOff {
	attempts := r.Attempts
	if attempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = r.BaseDelay << attempts
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, returns a non-retryable error, or attempts run
// out. onRetry is called before each sleep.
func (r Retry) Do(ctx context.Context, op func() error, onRetry func(attempt int, err error)) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	})
}
