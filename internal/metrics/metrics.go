package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	NotificationsReceived  prometheus.Counter
	NotificationsDuplicate prometheus.Counter
	NotificationsStale     prometheus.Counter
	NotificationsDropped   prometheus.Counter
	NotificationsFailed    prometheus.Counter
	MessagesDispatched     prometheus.Counter
	DraftsSaved            prometheus.Counter

	PipelineRuns          *prometheus.CounterVec
	PipelineStageFailures *prometheus.CounterVec
	PipelineDuration      prometheus.Histogram

	JobOutcomes *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	ActiveJobs  *prometheus.GaugeVec

	SchedulerRuns     *prometheus.CounterVec
	SchedulerFailures *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NotificationsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_notifications_received_total",
			Help: "Total number of provider notifications received",
		}),
		NotificationsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_notifications_duplicate_total",
			Help: "Notifications skipped because the same offset was already in flight",
		}),
		NotificationsStale: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_notifications_stale_total",
			Help: "Notifications at or behind the stored cursor",
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_notifications_dropped_total",
			Help: "Notifications dropped for unknown addresses or missing credentials",
		}),
		NotificationsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_notifications_failed_total",
			Help: "Notifications that failed to fetch a delta or advance the cursor",
		}),
		MessagesDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_messages_dispatched_total",
			Help: "Inbound messages handed to reply generation",
		}),
		DraftsSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "smart_mail_reply_drafts_saved_total",
			Help: "Total number of reply drafts stored",
		}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_reply_pipeline_runs_total",
			Help: "Reply pipeline runs by the mode that produced the reply",
		}, []string{"mode"}),
		PipelineStageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_reply_pipeline_stage_failures_total",
			Help: "Pipeline stage failures by stage",
		}, []string{"stage"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smart_mail_reply_pipeline_duration_seconds",
			Help:    "Time spent generating a reply",
			Buckets: prometheus.DefBuckets,
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_reply_jobs_total",
			Help: "Job attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smart_mail_reply_job_duration_seconds",
			Help:    "Time spent in one job attempt",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"kind"}),
		ActiveJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smart_mail_reply_jobs_active",
			Help: "Jobs currently running by kind",
		}, []string{"kind"}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_reply_scheduler_runs_total",
			Help: "Scheduled task runs by task",
		}, []string{"task"}),
		SchedulerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smart_mail_reply_scheduler_failures_total",
			Help: "Per-user failures inside scheduled tasks",
		}, []string{"task"}),
	}
}
