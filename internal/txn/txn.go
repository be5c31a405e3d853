// Package txn runs optimistic transactions with conflict retry on behalf of
// the docstore backends.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jacentio/personstore/docstore"
)

// DefaultMaxBackoff caps the delay between attempts when Run is given none.
const DefaultMaxBackoff = time.Second

// Attempt runs one transaction attempt. n starts at 1. Returning an error
// wrapping docstore.ErrConflict schedules another attempt.
type Attempt func(ctx context.Context, n int) error

// Run calls attempt until it succeeds, fails with a non-conflict error, or
// maxAttempts conflicts have occurred. backoff is the base delay between
// attempts, doubled each time up to maxBackoff; zero retries immediately.
func Run(ctx context.Context, maxAttempts int, backoff, maxBackoff time.Duration, attempt Attempt) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	n := 0
	err := retry.Do(ctx, policy(maxAttempts, backoff, maxBackoff), func(ctx context.Context) error {
		n++
		err := attempt(ctx, n)
		if errors.Is(err, docstore.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})

	// Only an exhausted retry budget surfaces a conflict.
	if errors.Is(err, docstore.ErrConflict) {
		return fmt.Errorf("%w after %d attempts: %w", docstore.ErrTxAborted, n, err)
	}
	return err
}

// policy builds a capped exponential backoff allowing maxAttempts-1 retries.
func policy(maxAttempts int, backoff, maxBackoff time.Duration) retry.Backoff {
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	var b retry.Backoff
	if backoff > 0 {
		b = retry.WithCappedDuration(maxBackoff, retry.NewExponential(backoff))
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}
