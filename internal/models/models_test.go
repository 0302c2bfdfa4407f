package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreached(t *testing.T) {
	cases := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpGT, 0.6, true},
		{OpGT, 0.5, false},
		{OpGTE, 0.5, true},
		{OpLT, 0.4, true},
		{OpLTE, 0.5, true},
		{OpLTE, 0.6, false},
		{OpEQ, 0.5, true},
		{OpNEQ, 0.5, false},
		{"between", 0.5, false},
	}
	for _, tc := range cases {
		p := AlertPolicy{Operator: tc.op, Threshold: 0.5}
		assert.Equal(t, tc.want, p.Breached(tc.value), "%s %v", tc.op, tc.value)
	}
}

func TestPolicyScopeAndDebounce(t *testing.T) {
	assert.Equal(t, GlobalScope, AlertPolicy{}.Scope())
	assert.Equal(t, "source:orders", AlertPolicy{SourceName: "orders"}.Scope())
	assert.Equal(t, 1, AlertPolicy{}.Debounce())
	assert.Equal(t, 3, AlertPolicy{PendingEvaluations: 3}.Debounce())
}

func TestIDsAreDeterministic(t *testing.T) {
	assert.Equal(t, AlertID("p", "global"), AlertID("p", "global"))
	assert.NotEqual(t, AlertID("p", "global"), AlertID("p", "source:x"))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := AlertID("p", "global")
	assert.Equal(t, EventID(id, StatusFiring, at), EventID(id, StatusFiring, at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, EventID(id, StatusFiring, at), EventID(id, StatusResolved, at))

	precise := at.Add(123456789 * time.Nanosecond)
	assert.Equal(t, EventID(id, StatusFiring, precise), EventID(id, StatusFiring, precise.Truncate(time.Microsecond)))
	assert.NotEqual(t, EventID(id, StatusFiring, precise), EventID(id, StatusFiring, precise.Truncate(time.Millisecond)))
}

func TestSilenceState(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Silence{StartsAt: t0, EndsAt: t0.Add(time.Hour)}

	assert.Equal(t, SilenceStatePending, s.State(t0.Add(-time.Second)))
	assert.Equal(t, SilenceStateActive, s.State(t0))
	assert.True(t, s.IsActive(t0))
	assert.Equal(t, SilenceStateExpired, s.State(t0.Add(time.Hour)))
	assert.False(t, s.IsActive(t0.Add(time.Hour)))

	expired := t0.Add(time.Minute)
	s.ExpiredAt = &expired
	assert.Equal(t, SilenceStateExpired, s.State(t0.Add(2*time.Minute)))
	assert.False(t, s.IsActive(t0.Add(2*time.Minute)))
}

func TestSilenceMatcher(t *testing.T) {
	policyID, scope := "orders-fail-rate", "source:orders"
	critical := SeverityCritical
	a := Alert{PolicyID: policyID, Scope: scope, Severity: SeverityCritical}

	assert.True(t, SilenceMatcher{}.Matches(a))
	assert.True(t, SilenceMatcher{PolicyID: &policyID, Scope: &scope, Severity: &critical}.Matches(a))
	other := "billing"
	assert.False(t, SilenceMatcher{PolicyID: &policyID, Scope: &other}.Matches(a))
	rule := "freshness"
	assert.False(t, SilenceMatcher{RuleID: &rule}.Matches(a))
}

func TestChannelHidesTarget(t *testing.T) {
	ch := NotificationChannel{
		ID:      "ops",
		Type:    ChannelWebhook,
		Enabled: true,
		Target:  "https://hooks.example.com/T000/secret-path",
		Secret:  "s3cret",
	}
	body, err := json.Marshal(ch)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret-path")
	assert.NotContains(t, string(body), "s3cret")
	assert.Contains(t, string(body), `"target_hint":"https://hooks.example.com/***"`)

	tg := NotificationChannel{Type: ChannelTelegram, Target: "-100123456789"}
	assert.Equal(t, "telegram:***6789", tg.TargetHint())
}

func TestChannelDefaults(t *testing.T) {
	ch := NotificationChannel{}
	assert.Equal(t, 10*time.Second, ch.Timeout())
	assert.Equal(t, 5, ch.Attempts())
	assert.Equal(t, 30*time.Second, ch.BaseBackoff())
	assert.False(t, ch.Accepts(StatusFiring))

	assert.Error(t, NotificationChannel{ID: "x", Type: ChannelWebhook, Target: "ftp://host"}.Validate())
	assert.Error(t, NotificationChannel{ID: "x", Type: ChannelTelegram, Target: "123"}.Validate())
	assert.Error(t, NotificationChannel{ID: "x", Type: ChannelWebhook, Target: "https://h", EventTypes: []AlertStatus{"MAYBE"}}.Validate())
	assert.NoError(t, NotificationChannel{ID: "x", Type: ChannelWebhook, Target: "https://h"}.Validate())
}
