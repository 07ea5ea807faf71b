package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// appendBackoff is the wait before each inner retry of a failed write.
var appendBackoff = []time.Duration{
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// withRetry runs op once plus up to three retries, backing off between
// attempts. ErrConflict and cancellation are terminal; everything else is
// treated as a transient store failure.
func withRetry(ctx context.Context, name string, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= len(appendBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
			case <-time.After(appendBackoff[attempt-1]):
			}
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("op", name).
					Int("attempt", attempt+1).
					Msg("Journal write succeeded after retry")
			}
			return nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt+1).
			Msg("Journal write failed, retrying")
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, len(appendBackoff)+1, lastErr)
}
