// Package metrics exposes Prometheus collectors for the pipeline. The
// host process owns the /metrics endpoint; the pipeline only
// instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_events_total",
			Help: "Total number of events seen at the Emit entry point",
		},
		[]string{"event_type", "status"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenttrail_pipeline_queue_depth",
			Help: "Current depth of the ingestion queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenttrail_pipeline_queue_capacity",
			Help: "Configured capacity of the ingestion queue",
		},
	)

	// Delivery metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_batches_total",
			Help: "Total number of batch delivery attempts by outcome",
		},
		[]string{"status"},
	)

	RecordsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_records_delivered_total",
			Help: "Total number of records acknowledged by the store",
		},
	)

	RecordsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_records_dead_lettered_total",
			Help: "Total number of records handed to the dead-letter queue",
		},
		[]string{"reason"},
	)

	RecordsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_records_discarded_total",
			Help: "Total number of records abandoned at shutdown drain timeout",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agenttrail_pipeline_delivery_duration_seconds",
			Help:    "Duration of store append calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Provisioning metrics
	ProvisionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenttrail_pipeline_provision_runs_total",
			Help: "Total number of schema provisioning runs by outcome",
		},
		[]string{"outcome"},
	)
)

// Intake status label values.
const (
	StatusAccepted = "accepted"
	StatusFiltered = "filtered"
	StatusDropped  = "dropped"
)

// Batch status label values.
const (
	BatchDelivered = "delivered"
	BatchRetried   = "retried"
	BatchFailed    = "failed"
)
