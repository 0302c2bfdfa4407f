package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"preflight-alerting/internal/models"
)

// Recorder holds the process-local counters and the delivery latency
// histogram. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	deliverySeconds prometheus.Histogram
	suppressed      prometheus.Counter
	runsIngested    prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preflight_alert_transitions_total",
				Help: "Alert status transitions recorded by the state machine",
			},
			[]string{"from", "to"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preflight_notification_attempts_total",
				Help: "Delivery attempts finalized by this process, by outcome",
			},
			[]string{"status"},
		),
		deliverySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "preflight_notification_delivery_seconds",
				Help:    "Duration of delivery attempts in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preflight_notifications_suppressed_total",
			Help: "Outbox items deferred because a silence matched at delivery time",
		}),
		runsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preflight_runs_ingested_total",
			Help: "Run observations ingested from the message bus",
		}),
	}
	r.registry.MustRegister(r.transitions, r.attempts, r.deliverySeconds, r.suppressed, r.runsIngested)
	return r
}

func (r *Recorder) Transition(from, to models.AlertStatus) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Attempt counts a finalized attempt that reached the provider and observes
// how long it took.
func (r *Recorder) Attempt(status models.AttemptStatus, took time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(string(status)).Inc()
	r.deliverySeconds.Observe(took.Seconds())
}

// AttemptUnsent counts a finalized attempt that never produced a send, such
// as an unavailable channel or a reaped attempt. No latency is observed.
func (r *Recorder) AttemptUnsent(status models.AttemptStatus) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) Suppressed() {
	if r == nil {
		return
	}
	r.suppressed.Inc()
}

func (r *Recorder) RunIngested() {
	if r == nil {
		return
	}
	r.runsIngested.Inc()
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
