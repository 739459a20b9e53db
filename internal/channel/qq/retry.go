package qq

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// codeUpstreamError is the platform error code the API gateway returns when
// its upstream proxy hiccups; it clears on retry.
const codeUpstreamError = 502

// retryPolicy tunes the shared retry wrapper: exponential backoff from Base,
// doubling per attempt, capped at Max, for at most Attempts tries.
type retryPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// withRetry runs op, retrying failures that retryable() accepts. Exhausted
// retries and non-retryable failures surface the last error unchanged. Every
// API call shares this one wrapper instead of growing its own backoff loop.
func withRetry(ctx context.Context, pol retryPolicy, retryable func(error) bool, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.Base
	bo.MaxInterval = pol.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := uint64(pol.Attempts)
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}

// isTransient reports whether an error matches the retryable signature set:
// a 5xx status, the upstream proxy error code, or a network timeout.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Code == codeUpstreamError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
