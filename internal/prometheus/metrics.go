package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	attemptDurationBucketStart  = 0.25
	attemptDurationBucketFactor = 2.0
	attemptDurationBucketCount  = 12
)

const (
	cycleDurationBucketStart  = 0.05
	cycleDurationBucketFactor = 2.0
	cycleDurationBucketCount  = 14
)

var IngestionEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingestion_events_total",
		Help: "Missed-call webhook deliveries by outcome",
	},
	[]string{"outcome"},
)

var AttemptDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "outreach_attempt_duration_seconds",
		Help: "Time taken to run one outreach attempt",
		Buckets: prometheus.ExponentialBuckets(
			attemptDurationBucketStart,
			attemptDurationBucketFactor,
			attemptDurationBucketCount,
		),
	},
	[]string{"method"},
)

var SchedulerCycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "scheduler_cycle_duration_seconds",
		Help: "Time taken by one scheduler poll cycle",
		Buckets: prometheus.ExponentialBuckets(
			cycleDurationBucketStart,
			cycleDurationBucketFactor,
			cycleDurationBucketCount,
		),
	},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queue_entries",
		Help: "Queue entries by status",
	},
	[]string{"status"},
)

var BreakerRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "breaker_rejections_total",
		Help: "Attempts deferred because a provider circuit was open",
	},
	[]string{"provider"},
)

var DeadLetterRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "deadletter_retries_total",
		Help: "Dead-letter delivery retries",
	},
)

var ArchiveOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "archive_operation_duration_seconds",
		Help: "Duration of archive storage operations",
		Buckets: prometheus.ExponentialBuckets(
			cycleDurationBucketStart,
			cycleDurationBucketFactor,
			cycleDurationBucketCount,
		),
	},
	[]string{"operation"},
)

func init() {
	prometheus.MustRegister(IngestionEvents)
	prometheus.MustRegister(AttemptDuration)
	prometheus.MustRegister(SchedulerCycleDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BreakerRejections)
	prometheus.MustRegister(DeadLetterRetries)
	prometheus.MustRegister(ArchiveOperationDuration)
}
