package models

import (
	"fmt"
	"strings"
)

// Severity is the routing/display severity carried from a policy onto its alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// MetricType names a metric the evaluator knows how to compute from run history.
type MetricType string

const (
	MetricFailRate          MetricType = "fail_rate"
	MetricFailedRuns        MetricType = "failed_runs"
	MetricRunCount          MetricType = "run_count"
	MetricRowErrorRate      MetricType = "row_error_rate"
	MetricCheckFailureRate  MetricType = "check_failure_rate"
	MetricHoursSinceSuccess MetricType = "hours_since_success"
)

// Operator is the comparison applied between the metric value and the threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

// GlobalScope is the scope of a policy without a source filter.
const GlobalScope = "global"

// AlertPolicy describes when an alert fires. Policies are loaded from the
// definitions file and only change through an explicit reload.
type AlertPolicy struct {
	ID                 string     `json:"id" yaml:"id"`
	Name               string     `json:"name,omitempty" yaml:"name"`
	Description        string     `json:"description,omitempty" yaml:"description"`
	Enabled            bool       `json:"enabled" yaml:"enabled"`
	Severity           Severity   `json:"severity" yaml:"severity"`
	MetricType         MetricType `json:"metric_type" yaml:"metric_type"`
	Operator           Operator   `json:"operator" yaml:"operator"`
	Threshold          float64    `json:"threshold" yaml:"threshold"`
	WindowDays         int        `json:"window_days" yaml:"window_days"`
	SourceName         string     `json:"source_name,omitempty" yaml:"source_name"`
	PendingEvaluations int        `json:"pending_evaluations" yaml:"pending_evaluations"`
	RuleID             string     `json:"rule_id,omitempty" yaml:"rule_id"`
}

// Scope returns the alert scope evaluated by this policy.
func (p AlertPolicy) Scope() string {
	if p.SourceName == "" {
		return GlobalScope
	}
	return "source:" + p.SourceName
}

// Debounce returns the number of consecutive breaches required to fire.
func (p AlertPolicy) Debounce() int {
	if p.PendingEvaluations < 1 {
		return 1
	}
	return p.PendingEvaluations
}

// Breached checks whether value satisfies the policy condition.
func (p AlertPolicy) Breached(value float64) bool {
	switch p.Operator {
	case OpGT:
		return value > p.Threshold
	case OpGTE:
		return value >= p.Threshold
	case OpLT:
		return value < p.Threshold
	case OpLTE:
		return value <= p.Threshold
	case OpEQ:
		return value == p.Threshold
	case OpNEQ:
		return value != p.Threshold
	default:
		return false
	}
}

// Validate reports the first problem that makes the policy unusable.
func (p AlertPolicy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("policy id is required")
	}
	switch p.MetricType {
	case MetricFailRate, MetricFailedRuns, MetricRunCount, MetricRowErrorRate,
		MetricCheckFailureRate, MetricHoursSinceSuccess:
	default:
		return fmt.Errorf("policy %s: unknown metric_type %q", p.ID, p.MetricType)
	}
	switch p.Operator {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
	default:
		return fmt.Errorf("policy %s: unknown operator %q", p.ID, p.Operator)
	}
	switch p.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("policy %s: unknown severity %q", p.ID, p.Severity)
	}
	if p.WindowDays < 1 {
		return fmt.Errorf("policy %s: window_days must be >= 1", p.ID)
	}
	if p.PendingEvaluations < 0 {
		return fmt.Errorf("policy %s: pending_evaluations must be >= 0", p.ID)
	}
	return nil
}
