package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/evaluator"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// PolicySource is the read side of the policy store.
type PolicySource interface {
	EnabledPolicies() []models.AlertPolicy
	Policy(id string) (models.AlertPolicy, bool)
}

// MetricSource computes a policy's current value.
type MetricSource interface {
	Compute(ctx context.Context, p models.AlertPolicy, now time.Time) (evaluator.Result, error)
}

// TransitionHook is called after a transition has been stored.
type TransitionHook func(ctx context.Context, t models.Transition, p models.AlertPolicy) error

// Summary reports what one evaluation pass did.
type Summary struct {
	Evaluated   int                 `json:"evaluated"`
	Skipped     int                 `json:"skipped"`
	Failed      int                 `json:"failed"`
	Transitions []models.Transition `json:"transitions"`
}

type Engine struct {
	policies PolicySource
	metrics  MetricSource
	alerts   store.AlertStore
	audit    *audit.Log
	recorder *metrics.Recorder
	clock    clock.Clock
	interval time.Duration
	logger   *logrus.Logger

	mu    sync.RWMutex
	hooks []TransitionHook
}

// NewEngine returns an engine whose idempotence bucket is interval.
func NewEngine(policies PolicySource, ms MetricSource, alerts store.AlertStore, log *audit.Log, rec *metrics.Recorder, clk clock.Clock, interval time.Duration, logger *logrus.Logger) *Engine {
	return &Engine{
		policies: policies,
		metrics:  ms,
		alerts:   alerts,
		audit:    log,
		recorder: rec,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// OnTransition registers a hook run for every stored transition.
func (e *Engine) OnTransition(h TransitionHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

// EvaluateAll evaluates every enabled policy. A failure in one policy is
// logged and counted; the others still run.
func (e *Engine) EvaluateAll(ctx context.Context) Summary {
	now := e.clock.Now()
	var sum Summary
	for _, p := range e.policies.EnabledPolicies() {
		if ctx.Err() != nil {
			break
		}
		e.evaluate(ctx, p, now, &sum)
	}
	e.logger.WithFields(logrus.Fields{
		"evaluated":   sum.Evaluated,
		"skipped":     sum.Skipped,
		"failed":      sum.Failed,
		"transitions": len(sum.Transitions),
	}).Debug("evaluation pass finished")
	return sum
}

// EvaluatePolicy evaluates a single policy by id.
func (e *Engine) EvaluatePolicy(ctx context.Context, policyID string) (Summary, error) {
	p, ok := e.policies.Policy(policyID)
	if !ok {
		return Summary{}, fmt.Errorf("policy %s: %w", policyID, store.ErrNotFound)
	}
	if !p.Enabled {
		return Summary{}, fmt.Errorf("policy %s is disabled", policyID)
	}
	var sum Summary
	e.evaluate(ctx, p, e.clock.Now(), &sum)
	return sum, nil
}

func (e *Engine) evaluate(ctx context.Context, p models.AlertPolicy, now time.Time, sum *Summary) {
	log := e.logger.WithFields(logrus.Fields{"policy_id": p.ID, "scope": p.Scope()})

	res, err := e.metrics.Compute(ctx, p, now)
	if err != nil {
		sum.Failed++
		log.Errorf("Metric computation failed, retrying next tick: %v", err)
		return
	}

	alertID := models.AlertID(p.ID, p.Scope())
	// one reload and retry on a version conflict, then give up until the next tick
	for try := 0; try < 2; try++ {
		prev, err := e.load(ctx, alertID)
		if err != nil {
			sum.Failed++
			log.Errorf("Failed to load alert: %v", err)
			return
		}
		var (
			next models.Alert
			tr   *models.Transition
			ok   bool
		)
		switch {
		case prev != nil && e.sameTick(prev.EvaluatedAt, now):
			// Already advanced in this tick: only refresh the observation.
			if prev.CurrentValue == res.Value {
				sum.Skipped++
				return
			}
			next, ok = Refresh(*prev, p, res.Value, res.Context, now), true
		default:
			next, tr, ok = Advance(prev, p, res.Value, res.Context, now)
		}
		if !ok {
			sum.Evaluated++
			return
		}

		var expected int64
		if prev != nil {
			expected = prev.Version
		}
		saved, err := e.alerts.SaveAlert(ctx, next, expected)
		if errors.Is(err, store.ErrConflict) {
			log.Debugf("Alert %s changed concurrently, reloading", alertID)
			continue
		}
		if err != nil {
			sum.Failed++
			log.Errorf("Failed to save alert %s: %v", alertID, err)
			return
		}

		sum.Evaluated++
		if tr != nil {
			tr.Alert = saved
			sum.Transitions = append(sum.Transitions, *tr)
			e.afterTransition(ctx, *tr, p, res.Value)
		}
		return
	}
	sum.Skipped++
	log.Warnf("Alert %s kept conflicting, skipped until next tick", alertID)
}

func (e *Engine) load(ctx context.Context, id string) (*models.Alert, error) {
	a, err := e.alerts.GetAlert(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// sameTick reports whether evaluatedAt falls in the evaluation interval that
// contains now. An alert advances through its state machine at most once
// per interval.
func (e *Engine) sameTick(evaluatedAt, now time.Time) bool {
	if e.interval <= 0 {
		return evaluatedAt.Equal(now)
	}
	return evaluatedAt.Truncate(e.interval).Equal(now.Truncate(e.interval))
}

func (e *Engine) afterTransition(ctx context.Context, tr models.Transition, p models.AlertPolicy, value float64) {
	e.recorder.Transition(tr.From, tr.To)
	e.audit.RecordOrLog(ctx, tr.AlertID, models.AuditEvaluation, models.SystemActor, map[string]interface{}{
		"policy_id":     p.ID,
		"scope":         tr.Alert.Scope,
		"from":          string(tr.From),
		"to":            string(tr.To),
		"current_value": value,
		"threshold":     p.Threshold,
		"breach_count":  tr.Alert.ConsecutiveBreachCount,
	})
	e.logger.WithFields(logrus.Fields{
		"alert_id":  tr.AlertID,
		"policy_id": p.ID,
		"from":      tr.From,
		"to":        tr.To,
	}).Infof("Alert transition %s -> %s", tr.From, tr.To)

	e.mu.RLock()
	hooks := append([]TransitionHook(nil), e.hooks...)
	e.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, tr, p); err != nil {
			e.logger.WithField("alert_id", tr.AlertID).Errorf("Transition hook failed: %v", err)
		}
	}
}
