package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/logging"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, 30*time.Second, Backoff(base, 0))
	assert.Equal(t, 30*time.Second, Backoff(base, 1))
	assert.Equal(t, 60*time.Second, Backoff(base, 2))
	assert.Equal(t, 120*time.Second, Backoff(base, 3))
	assert.Positive(t, Backoff(time.Millisecond, 1000))

	// large failure counts saturate instead of overflowing
	assert.Equal(t, MaxBackoff, Backoff(base, 30))
	assert.Equal(t, MaxBackoff, Backoff(base, 64))
	assert.Equal(t, MaxBackoff, Backoff(48*time.Hour, 1))
	for n := 1; n < 100; n++ {
		d := Backoff(base, n)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, MaxBackoff)
	}
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry(t *testing.T) {
	logger := logging.Discard()
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, logger, "flaky", 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	sentinel := errors.New("always")
	err = Retry(ctx, logger, "broken", 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, logging.Discard(), "cancelled", 5, time.Hour, func() error {
		calls++
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
