package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks jobs finished per terminal outcome
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichd_jobs_processed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"outcome"},
	)

	// StageRequestsTotal tracks upstream API requests per stage and status class
	StageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichd_stage_requests_total",
			Help: "Total number of analysis API requests",
		},
		[]string{"stage", "result"},
	)

	// StageLatency tracks analysis request latency
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichd_stage_latency_seconds",
			Help:    "Analysis API request latency in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240},
		},
		[]string{"stage"},
	)

	// CredentialLeaseWaits tracks how often workers found the pool exhausted
	CredentialLeaseWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichd_credential_lease_waits_total",
			Help: "Total number of empty credential pool waits",
		},
	)

	// CredentialsActive tracks credentials currently in rotation
	CredentialsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichd_credentials_active",
			Help: "Number of active credentials in the pool",
		},
		[]string{"provider"},
	)

	// PacingDelay tracks the current inter-request delay
	PacingDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichd_pacing_delay_seconds",
			Help: "Current inter-request delay",
		},
		[]string{"stage"},
	)

	// ExtractionRetries tracks second-stage retry attempts
	ExtractionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichd_extraction_retries_total",
			Help: "Total number of extraction retry attempts",
		},
	)

	// PendingJobs tracks the backlog of leasable jobs
	PendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichd_pending_jobs",
			Help: "Number of jobs waiting to be leased",
		},
	)

	// DBConnectionPoolUsage tracks pool saturation as a percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichd_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
