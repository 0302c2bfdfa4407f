package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/lease"
	"preflight-alerting/internal/logging"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTick_HonorsLease(t *testing.T) {
	clk := clock.NewFake(t0)
	shared := lease.NewMemory(clk)
	a := New(shared, "instance-a", clk, logging.Discard())
	b := New(shared, "instance-b", clk, logging.Discard())

	var runsA, runsB int
	a.Add(Driver{Name: "evaluation", Interval: time.Minute, Enabled: true, LeaseName: "preflight:evaluation",
		Run: func(context.Context) error { runsA++; return nil }})
	b.Add(Driver{Name: "evaluation", Interval: time.Minute, Enabled: true, LeaseName: "preflight:evaluation",
		Run: func(context.Context) error { runsB++; return nil }})
	ctx := context.Background()

	ran, err := a.Tick(ctx, "evaluation")
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = b.Tick(ctx, "evaluation")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, runsA)
	assert.Equal(t, 0, runsB)
	assert.Equal(t, t0, a.LastTicks()["evaluation"])
	assert.NotContains(t, b.LastTicks(), "evaluation")

	// b takes over once the lease of a lapses
	clk.Advance(3 * time.Minute)
	ran, err = b.Tick(ctx, "evaluation")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, runsB)
}

func TestTick_NoLeaseAlwaysRuns(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(nil, "solo", clk, logging.Discard())
	boom := errors.New("boom")
	s.Add(Driver{Name: "dispatch", Interval: time.Second, Enabled: true, LeaseName: "ignored",
		Run: func(context.Context) error { return boom }})

	ran, err := s.Tick(context.Background(), "dispatch")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, t0, s.LastTicks()["dispatch"])

	_, err = s.Tick(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	clk := clock.NewFake(t0)
	leases := lease.NewMemory(clk)
	s := New(leases, "instance-a", clk, logging.Discard())

	var runs atomic.Int32
	started := make(chan struct{}, 1)
	s.Add(Driver{Name: "dispatch", Interval: time.Hour, Enabled: true, LeaseName: "preflight:dispatch",
		Run: func(context.Context) error {
			runs.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			return nil
		}})
	s.Add(Driver{Name: "evaluation", Interval: time.Hour, Enabled: false,
		Run: func(context.Context) error { t.Error("disabled driver ran"); return nil }})

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not run its first tick")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.Equal(t, int32(1), runs.Load())

	// the lease was released on stop
	ok, err := leases.Acquire(context.Background(), "preflight:dispatch", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
