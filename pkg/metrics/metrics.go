// Package metrics provides Prometheus-based metrics for the remediation
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records pipeline metrics.
type Recorder struct {
	jobsAdmitted  *prometheus.CounterVec
	jobsTerminal  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
	webhooksTotal *prometheus.CounterVec
	feedbackTotal *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		jobsAdmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediator_jobs_admitted_total",
				Help: "Jobs admitted from failure events, by dedup outcome",
			},
			[]string{"outcome"}, // created, duplicate
		),
		jobsTerminal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediator_jobs_terminal_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"state"}, // completed, failed, needs_review
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remediator_stage_duration_seconds",
				Help:    "Duration of pipeline stage executions",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"stage", "status"},
		),
		stageRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediator_stage_retries_total",
				Help: "Stage retries scheduled, by stage and error class",
			},
			[]string{"stage", "class"},
		),
		jobsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "remediator_jobs_in_flight",
				Help: "Jobs currently claimed by workers",
			},
		),
		webhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediator_webhooks_total",
				Help: "Webhook deliveries received, by event type and disposition",
			},
			[]string{"event", "disposition"}, // accepted, ignored, rejected
		),
		feedbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediator_feedback_total",
				Help: "Outcome reports delivered to the model-serving layer",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveAdmission records a dedup decision for an incoming failure event.
func (r *Recorder) ObserveAdmission(created bool) {
	outcome := "duplicate"
	if created {
		outcome = "created"
	}
	r.jobsAdmitted.WithLabelValues(outcome).Inc()
}

// ObserveTerminal records a job reaching a terminal state.
func (r *Recorder) ObserveTerminal(state string) {
	r.jobsTerminal.WithLabelValues(state).Inc()
}

// ObserveStage records one stage execution.
func (r *Recorder) ObserveStage(stage string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled stage retry.
func (r *Recorder) ObserveRetry(stage, class string) {
	r.stageRetries.WithLabelValues(stage, class).Inc()
}

// JobStarted marks a job claimed by a worker.
func (r *Recorder) JobStarted() {
	r.jobsInFlight.Inc()
}

// JobFinished marks a claimed job released.
func (r *Recorder) JobFinished() {
	r.jobsInFlight.Dec()
}

// ObserveWebhook records an incoming webhook delivery.
func (r *Recorder) ObserveWebhook(event, disposition string) {
	r.webhooksTotal.WithLabelValues(event, disposition).Inc()
}

// ObserveFeedback records a delivered outcome report.
func (r *Recorder) ObserveFeedback(outcome string) {
	r.feedbackTotal.WithLabelValues(outcome).Inc()
}
