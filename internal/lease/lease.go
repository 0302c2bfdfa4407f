// Package lease provides named, time-bounded exclusivity tokens used to pick
// a single scheduler among several running instances.
package lease

import (
	"context"
	"sync"
	"time"

	"preflight-alerting/internal/clock"
)

// Lease is implemented by every backend. Acquire succeeds when the lease is
// free, expired, or already held by holder (which renews it).
type Lease interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

type entry struct {
	holder  string
	expires time.Time
}

// Memory is a process-local Lease. It only excludes schedulers in one process.
type Memory struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]entry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk, leases: make(map[string]entry)}
}

func (m *Memory) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if cur, ok := m.leases[name]; ok && cur.holder != holder && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = entry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[name]; ok && cur.holder == holder {
		delete(m.leases, name)
	}
	return nil
}
