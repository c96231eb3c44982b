package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusEventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_events_ingested_total",
			Help: "Total number of gateway status events accepted by the ingestion handler",
		},
		[]string{"status"},
	)

	StatusEventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_events_rejected_total",
			Help: "Total number of gateway status events dropped (unknown message, stale transition, duplicate)",
		},
		[]string{"reason"},
	)

	FollowUpsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followups_scheduled_total",
			Help: "Total number of follow-up checks scheduled per escalation tier",
		},
		[]string{"tier"},
	)

	FollowUpsAborted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followups_aborted_total",
			Help: "Total number of follow-up firings that aborted without action",
		},
		[]string{"reason"},
	)

	ActionsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prevention_actions_dispatched_total",
			Help: "Total number of prevention actions dispatched",
		},
		[]string{"action"},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_send_failures_total",
			Help: "Total number of failed outbound gateway sends",
		},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)
)
