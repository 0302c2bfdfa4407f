// Package scheduler runs the periodic evaluation and dispatch drivers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/lease"
)

// Driver is one periodic job.
type Driver struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	// LeaseName, when set, makes the driver run only while holding that lease.
	LeaseName string
	Run       func(ctx context.Context) error
}

type Service struct {
	lease  lease.Lease
	holder string
	clock  clock.Clock
	logger *logrus.Logger

	mu        sync.RWMutex
	drivers   map[string]Driver
	lastTicks map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a scheduler. l may be nil when no driver uses a lease; holder
// identifies this instance to the lease backend.
func New(l lease.Lease, holder string, clk clock.Clock, logger *logrus.Logger) *Service {
	return &Service{
		lease:     l,
		holder:    holder,
		clock:     clk,
		logger:    logger,
		drivers:   make(map[string]Driver),
		lastTicks: make(map[string]time.Time),
	}
}

// Add registers d. Drivers added after Start are not run by the background loop.
func (s *Service) Add(d Driver) {
	s.mu.Lock()
	s.drivers[d.Name] = d
	s.mu.Unlock()
}

// Start launches one goroutine per enabled driver. Each runs a tick right
// away and then on its interval.
func (s *Service) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.drivers {
		if !d.Enabled {
			s.logger.Infof("Scheduler driver %s disabled", d.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(loopCtx, d)
	}
}

func (s *Service) loop(ctx context.Context, d Driver) {
	defer s.wg.Done()
	s.logger.Infof("Scheduler driver %s started (interval %s)", d.Name, d.Interval)
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		// in-flight work is not cut short by shutdown
		if _, err := s.tick(context.WithoutCancel(ctx), d); err != nil {
			s.logger.WithField("driver", d.Name).Errorf("Scheduler tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler driver %s stopped", d.Name)
			return
		case <-ticker.C:
		}
	}
}

// Tick runs the named driver once in the caller's goroutine, honoring its lease.
// It reports whether the driver actually ran.
func (s *Service) Tick(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	d, ok := s.drivers[name]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown scheduler driver %q", name)
	}
	return s.tick(ctx, d)
}

func (s *Service) tick(ctx context.Context, d Driver) (bool, error) {
	if d.LeaseName != "" && s.lease != nil {
		held, err := s.lease.Acquire(ctx, d.LeaseName, s.holder, 2*d.Interval)
		if err != nil {
			return false, fmt.Errorf("lease %s: %w", d.LeaseName, err)
		}
		if !held {
			s.logger.WithField("driver", d.Name).Debugf("Lease %s held elsewhere, skipping tick", d.LeaseName)
			return false, nil
		}
	}
	err := d.Run(ctx)
	s.mu.Lock()
	s.lastTicks[d.Name] = s.clock.Now()
	s.mu.Unlock()
	return true, err
}

// LastTicks returns the time each driver last ran.
func (s *Service) LastTicks() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.lastTicks))
	for k, v := range s.lastTicks {
		out[k] = v
	}
	return out
}

// Stop stops scheduling new ticks, waits for running ones until ctx is done,
// and releases held leases.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	if s.lease == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.drivers {
		if d.LeaseName == "" {
			continue
		}
		if err := s.lease.Release(ctx, d.LeaseName, s.holder); err != nil {
			s.logger.Warnf("Failed to release lease %s: %v", d.LeaseName, err)
		}
	}
	return nil
}
