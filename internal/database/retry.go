package database

import (
	"context"
	"errors"
	"time"

	"github.com/edgard/botfleet/internal/apperr"
)

// readRetryBackoff is the base delay between read attempts; attempt n waits n times this.
var readRetryBackoff = 200 * time.Millisecond

// ReadWithRetry runs an idempotent read up to attempts times, each under its
// own timeout. NotFound results and caller cancellation are returned
// immediately. Writes must never go through here.
func ReadWithRetry[T any](ctx context.Context, attempts int, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var err error
	for i := range attempts {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		var v T
		v, err = read(opCtx)
		cancel()

		if err == nil {
			return v, nil
		}
		if errors.Is(err, apperr.ErrNotFound) || ctx.Err() != nil {
			return zero, err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(i+1) * readRetryBackoff):
			}
		}
	}
	return zero, err
}
