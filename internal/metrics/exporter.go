package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// ContentType is the Content-Type of Render's output.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// ledgerWindow bounds the attempt ledger scan behind preflight_notification_ledger_attempts.
const ledgerWindow = 7 * 24 * time.Hour

// TickSource reports when each scheduler driver last ran.
type TickSource interface {
	LastTicks() map[string]time.Time
}

type collectFunc func(ctx context.Context, now time.Time) ([]*dto.MetricFamily, error)

type family struct {
	name    string
	collect collectFunc
}

// Exporter renders store-derived gauges together with the process counters.
// A family that errors or panics is left out of the output and counted in
// preflight_metrics_render_errors_total.
type Exporter struct {
	store    store.Store
	recorder *Recorder
	ticks    TickSource
	clock    clock.Clock
	logger   *logrus.Logger

	families     []family
	errRegistry  *prometheus.Registry
	renderErrors *prometheus.CounterVec
}

// NewExporter wires the families. recorder and ticks may be nil.
func NewExporter(s store.Store, recorder *Recorder, ticks TickSource, clk clock.Clock, logger *logrus.Logger) *Exporter {
	e := &Exporter{
		store:       s,
		recorder:    recorder,
		ticks:       ticks,
		clock:       clk,
		logger:      logger,
		errRegistry: prometheus.NewRegistry(),
		renderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preflight_metrics_render_errors_total",
				Help: "Metric families skipped while rendering because their collector failed",
			},
			[]string{"family"},
		),
	}
	e.errRegistry.MustRegister(e.renderErrors)

	e.families = []family{
		{"runs", e.collectRuns},
		{"alerts", e.collectAlerts},
		{"silences", e.collectSilences},
		{"attempts", e.collectAttempts},
		{"outbox", e.collectOutbox},
		{"scheduler", e.collectScheduler},
		{"process", e.collectProcess},
	}
	for _, f := range e.families {
		e.renderErrors.WithLabelValues(f.name)
	}
	return e
}

// Render writes every healthy family in text exposition format.
func (e *Exporter) Render(ctx context.Context, w io.Writer) error {
	now := e.clock.Now()
	var buf bytes.Buffer
	for _, f := range e.families {
		mfs, err := e.safeCollect(ctx, f, now)
		if err == nil {
			var part bytes.Buffer
			for _, mf := range mfs {
				if _, err = expfmt.MetricFamilyToText(&part, mf); err != nil {
					err = fmt.Errorf("encode %s: %w", mf.GetName(), err)
					break
				}
			}
			if err == nil {
				buf.Write(part.Bytes())
				continue
			}
		}
		e.renderErrors.WithLabelValues(f.name).Inc()
		e.logger.WithField("family", f.name).Warnf("Skipping metric family: %v", err)
	}

	errFamilies, err := e.errRegistry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather render errors: %w", err)
	}
	for _, mf := range errFamilies {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("failed to encode render errors: %w", err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func (e *Exporter) safeCollect(ctx context.Context, f family, now time.Time) (mfs []*dto.MetricFamily, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.collect(ctx, now)
}

func (e *Exporter) collectRuns(ctx context.Context, _ time.Time) ([]*dto.MetricFamily, error) {
	n, err := e.store.CountRuns(ctx)
	if err != nil {
		return nil, err
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_runs", "Run observations in the run registry", "", map[string]float64{"": float64(n)}),
	}, nil
}

func (e *Exporter) collectAlerts(ctx context.Context, now time.Time) ([]*dto.MetricFamily, error) {
	alerts, err := e.store.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	silences, err := e.store.ListSilences(ctx)
	if err != nil {
		return nil, err
	}
	acks, err := e.store.ListAcks(ctx)
	if err != nil {
		return nil, err
	}
	acked := make(map[string]bool, len(acks))
	for _, a := range acks {
		if a.Active() {
			acked[a.AlertID] = true
		}
	}

	byStatus := map[string]float64{}
	for _, s := range []models.AlertStatus{models.StatusOK, models.StatusPending, models.StatusFiring, models.StatusResolved} {
		byStatus[string(s)] = 0
	}
	var silencedCount, ackedCount float64
	for _, a := range alerts {
		byStatus[string(a.Status)]++
		if !a.Status.Active() {
			continue
		}
		if acked[a.ID] {
			ackedCount++
		}
		for _, s := range silences {
			if s.IsActive(now) && s.Matcher.Matches(a) {
				silencedCount++
				break
			}
		}
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_alerts", "Alerts by status", "status", byStatus),
		gaugeFamily("preflight_alerts_silenced", "Active alerts matched by an active silence", "", map[string]float64{"": silencedCount}),
		gaugeFamily("preflight_alerts_acknowledged", "Active alerts with an active acknowledgement", "", map[string]float64{"": ackedCount}),
	}, nil
}

func (e *Exporter) collectSilences(ctx context.Context, now time.Time) ([]*dto.MetricFamily, error) {
	silences, err := e.store.ListSilences(ctx)
	if err != nil {
		return nil, err
	}
	var active float64
	for _, s := range silences {
		if s.IsActive(now) {
			active++
		}
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_silences_active", "Silences currently in effect", "", map[string]float64{"": active}),
	}, nil
}

func (e *Exporter) collectAttempts(ctx context.Context, now time.Time) ([]*dto.MetricFamily, error) {
	attempts, err := e.store.ListRecentAttempts(ctx, now.Add(-ledgerWindow), 0)
	if err != nil {
		return nil, err
	}
	byStatus := map[string]float64{}
	for _, s := range []models.AttemptStatus{models.AttemptStarted, models.AttemptSent, models.AttemptRetry, models.AttemptDead, models.AttemptFailed} {
		byStatus[string(s)] = 0
	}
	for _, a := range attempts {
		byStatus[string(a.Status)]++
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_notification_ledger_attempts", "Delivery attempts in the ledger over the last 7 days, by status", "status", byStatus),
	}, nil
}

func (e *Exporter) collectOutbox(ctx context.Context, now time.Time) ([]*dto.MetricFamily, error) {
	counts, err := e.store.CountOutboxByState(ctx)
	if err != nil {
		return nil, err
	}
	oldest, err := e.store.OldestPending(ctx)
	if err != nil {
		return nil, err
	}
	byState := map[string]float64{}
	for _, s := range []models.OutboxState{models.OutboxPending, models.OutboxRetrying, models.OutboxSent, models.OutboxDead} {
		byState[string(s)] = float64(counts[s])
	}
	var age float64
	if oldest != nil && now.After(*oldest) {
		age = now.Sub(*oldest).Seconds()
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_outbox_items", "Outbox items by state", "state", byState),
		gaugeFamily("preflight_outbox_oldest_pending_age_seconds", "Age of the oldest pending or retrying outbox item", "", map[string]float64{"": age}),
	}, nil
}

func (e *Exporter) collectScheduler(_ context.Context, now time.Time) ([]*dto.MetricFamily, error) {
	if e.ticks == nil {
		return nil, nil
	}
	ticks := e.ticks.LastTicks()
	if len(ticks) == 0 {
		return nil, nil
	}
	ages := make(map[string]float64, len(ticks))
	for name, at := range ticks {
		ages[name] = now.Sub(at).Seconds()
	}
	return []*dto.MetricFamily{
		gaugeFamily("preflight_scheduler_last_tick_age_seconds", "Seconds since each scheduler driver last ran", "driver", ages),
	}, nil
}

func (e *Exporter) collectProcess(_ context.Context, _ time.Time) ([]*dto.MetricFamily, error) {
	if e.recorder == nil {
		return nil, nil
	}
	return e.recorder.Registry().Gather()
}

// gaugeFamily builds a gauge family. With an empty label name, values must
// hold a single entry and the sample is unlabeled.
func gaugeFamily(name, help, label string, values map[string]float64) *dto.MetricFamily {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mf := &dto.MetricFamily{
		Name: strPtr(name),
		Help: strPtr(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, k := range keys {
		m := &dto.Metric{Gauge: &dto.Gauge{Value: floatPtr(values[k])}}
		if label != "" {
			m.Label = []*dto.LabelPair{{Name: strPtr(label), Value: strPtr(k)}}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func strPtr(s string) *string      { return &s }
func floatPtr(f float64) *float64 { return &f }
