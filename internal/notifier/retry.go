package notifier

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// retryPolicy: three attempts total, exponential backoff of 1s before the
// second attempt and 2s before the third, 10s per-attempt deadline. Callers supply a send func that returns
// (retryable bool, err error); retry stops early when retryable is false.
var retryBackoffs = []time.Duration{0, 1 * time.Second, 2 * time.Second}

const perAttemptDeadline = 10 * time.Second
const maxAttempts = 3

func withRetry(ctx context.Context, send func(ctx context.Context) (retryable bool, err error)) (attempts int, err error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoffs[attempt]):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptDeadline)
		retryable, sendErr := send(attemptCtx)
		cancel()
		attempts = attempt + 1

		if sendErr == nil {
			return attempts, nil
		}
		lastErr = sendErr
		if !retryable {
			return attempts, lastErr
		}
	}
	return attempts, lastErr
}

// isRetryableHTTP classifies an HTTP round-trip result per the contract:
// network/timeout errors and 5xx/408/429 responses are retryable; other
// 4xx responses are hard failures.
func isRetryableHTTP(statusCode int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host")
	}
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}
