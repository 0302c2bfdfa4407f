package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Retry runs fn up to maxAttempts times, sleeping delay between failures.
// It gives up early when ctx is cancelled.
func Retry(ctx context.Context, logger *logrus.Logger, what string, maxAttempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			logger.Warnf("%s: attempt %d/%d failed: %v", what, attempt, maxAttempts, err)
			if attempt < maxAttempts {
				if err := Sleep(ctx, delay); err != nil {
					return fmt.Errorf("%s: %w", what, err)
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, maxAttempts, lastErr)
}

// MaxBackoff bounds every delay Backoff returns.
const MaxBackoff = 24 * time.Hour

// Backoff returns base * 2^(failures-1), capped at MaxBackoff. failures below
// 1 count as 1.
func Backoff(base time.Duration, failures int) time.Duration {
	if base >= MaxBackoff {
		return MaxBackoff
	}
	d := base
	for i := 1; i < failures; i++ {
		if d > MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
