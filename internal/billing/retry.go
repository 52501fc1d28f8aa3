package billing

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds how a serializable transaction is re-run after write conflicts.
type RetryPolicy struct {
	MaxRetries int           // attempts after the first
	Timeout    time.Duration // per attempt, 0 means no extra deadline
	OnRetry    func(attempt int, err error)
}

// RunWithRetry runs fn in a serializable transaction and re-runs it from scratch on
// write conflicts. Any other error is returned unchanged on the first failure. When
// the retries run out the error matches ErrRetriesExhausted.
func RunWithRetry(ctx context.Context, s Store, p RetryPolicy, fn TxFunc) error {
	for attempt := 0; ; attempt++ {
		err := runAttempt(ctx, s, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
	}
}

func runAttempt(ctx context.Context, s Store, timeout time.Duration, fn TxFunc) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.RunSerializable(ctx, fn)
}
