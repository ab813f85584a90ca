package llm

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable classifies a provider failure as transient. Rate limits, server
// errors and timeouts are retried; authentication and validation failures are
// not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate limit", "429",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryStart retries op with exponential backoff for retryable failures.
// Non-retryable failures surface immediately. Used around stream creation
// only: once a stream is open, mid-stream failures are terminal for the turn.
func retryStart[T any](ctx context.Context, maxRetries uint64, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), maxRetries))
}
