package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/retry"
)

// HandlerRetryPolicy defines retry behavior for failed event handlers.
type HandlerRetryPolicy struct {
	Policy      retry.Policy
	IsRetryable func(error) bool
}

// DefaultHandlerRetryPolicy retries errors carrying the retryable flag using
// the default backoff policy.
func DefaultHandlerRetryPolicy() HandlerRetryPolicy {
	return HandlerRetryPolicy{
		Policy:      retry.DefaultPolicy(),
		IsRetryable: dwerrors.IsRetryable,
	}
}

// WithRetry wraps a handler with retry logic according to the policy.
// Exhausted events land in the DLQ when one is provided.
func WithRetry(h Handler, policy HandlerRetryPolicy, dlq *DeadLetterQueue) Handler {
	isRetryable := policy.IsRetryable
	if isRetryable == nil {
		isRetryable = dwerrors.IsRetryable
	}
	maxAttempts := policy.Policy.MaxRetries + 1

	return func(e Event) error {
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			lastErr = h(e)
			if lastErr == nil {
				return nil
			}
			if !isRetryable(lastErr) {
				slog.Warn("Non-retryable error encountered",
					slog.String("event", e.Name()),
					logfields.Error(lastErr))
				break
			}
			if attempt < maxAttempts {
				backoff := policy.Policy.Delay(attempt)
				slog.Info("Retrying after failure",
					slog.String("event", e.Name()),
					logfields.Attempt(attempt),
					slog.Duration("backoff", backoff),
					logfields.Error(lastErr))
				time.Sleep(backoff)
			}
		}

		slog.Error("Handler failed after retries",
			slog.String("event", e.Name()),
			logfields.Attempt(maxAttempts),
			logfields.Error(lastErr))
		if dlq != nil {
			dlq.Add(e, lastErr)
		}
		return fmt.Errorf("handler failed after %d attempts: %w", maxAttempts, lastErr)
	}
}
