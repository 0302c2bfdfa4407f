package delivery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// breakers keeps one circuit breaker per channel so a dead receiver stops
// costing a full timeout on every due item.
type breakers struct {
	mu      sync.Mutex
	byID    map[string]*gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *logrus.Logger
}

func newBreakers(openFor time.Duration, logger *logrus.Logger) *breakers {
	return &breakers{
		byID:    make(map[string]*gobreaker.CircuitBreaker),
		timeout: openFor,
		logger:  logger,
	}
}

func (b *breakers) get(channelID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byID[channelID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "channel:" + channelID,
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.WithField("breaker", name).Warnf("Circuit breaker %s -> %s", from, to)
		},
	})
	b.byID[channelID] = cb
	return cb
}
