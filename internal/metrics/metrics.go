// Package metrics exposes the platform's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the platform's Prometheus collectors.
type Metrics struct {
	QueueDepth          prometheus.Gauge
	AdmissionRejections *prometheus.CounterVec
	ExecutionsStarted   prometheus.Counter
	ExecutionDuration   prometheus.Histogram
	ExecutionsByStatus  *prometheus.CounterVec
	WebhookVerification *prometheus.CounterVec
	PollCycles          prometheus.Counter
	OutboxDispatches    *prometheus.CounterVec
}

// New registers the collectors against a registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowgrid_queue_depth",
			Help: "Number of jobs waiting in the execution queue",
		}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgrid_admission_rejections_total",
			Help: "Enqueue rejections by error code",
		}, []string{"code"}),
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgrid_executions_started_total",
			Help: "Executions claimed by the dispatcher",
		}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowgrid_execution_duration_seconds",
			Help:    "Wall-clock duration of workflow executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		ExecutionsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgrid_executions_total",
			Help: "Completed executions by terminal status",
		}, []string{"status"}),
		WebhookVerification: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgrid_webhook_verifications_total",
			Help: "Webhook signature verification outcomes",
		}, []string{"provider", "outcome"}),
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgrid_poll_cycles_total",
			Help: "Polling scheduler cycles executed",
		}),
		OutboxDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgrid_outbox_dispatches_total",
			Help: "Outbox dispatch outcomes",
		}, []string{"outcome"}),
	}
}
