package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Journal metrics (C4)
	JournalFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbs_journal_flush_duration_seconds",
			Help:    "Time taken to flush buffered journal records to blob storage",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalRecordsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_journal_records_written_total",
			Help: "Total number of journal records written, by component",
		},
		[]string{"component"},
	)

	JournalRecoveredRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_journal_recovered_records_total",
			Help: "Total number of journal records replayed to subscribers during recovery",
		},
	)

	JournalLastPersistedID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pbs_journal_last_persisted_log_id",
			Help: "Sequence number of the last journal id persisted to blob storage, by partition",
		},
		[]string{"partition"},
	)

	// Dispatcher metrics (C3)
	DispatcherRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_dispatcher_retries_total",
			Help: "Total number of operation retries issued by the dispatcher",
		},
		[]string{"operation"},
	)

	DispatcherExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_dispatcher_exhausted_total",
			Help: "Total number of operations that exhausted their retry budget or expired",
		},
		[]string{"operation", "reason"},
	)

	// Expiring map / cache metrics (C2, C5, C6)
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pbs_cache_entries",
			Help: "Number of entries currently held in an auto-expiring map",
		},
		[]string{"map"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_cache_evictions_total",
			Help: "Total number of entries evicted from an auto-expiring map",
		},
		[]string{"map"},
	)

	CacheVetoedEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_cache_vetoed_evictions_total",
			Help: "Total number of evictions vetoed because the entry was still in use",
		},
		[]string{"map"},
	)

	// Transaction metrics (C8, C9)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_transactions_total",
			Help: "Total number of transactions by terminal phase",
		},
		[]string{"phase"},
	)

	TransactionPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbs_transaction_phase_duration_seconds",
			Help:    "Time spent executing one 2PC phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	TransactionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_transactions_in_flight",
			Help: "Number of transactions currently admitted and not yet ended",
		},
	)

	TransactionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_transactions_rejected_total",
			Help: "Total number of transactions rejected by admission control",
		},
		[]string{"reason"},
	)

	// Lease metrics (C11)
	LeaseStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_lease_state_transitions_total",
			Help: "Total number of lease state transitions by new state",
		},
		[]string{"state"},
	)

	LeaseIsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbs_lease_is_held",
			Help: "Whether this instance currently holds the partition lease (1 = held, 0 = not held)",
		},
	)

	// Frontend metrics (C10)
	FrontendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_frontend_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	FrontendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbs_frontend_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Auth metrics (C14)
	AuthCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbs_auth_cache_hits_total",
			Help: "Total number of inbound authorization cache hits and misses",
		},
		[]string{"result"},
	)

	// Forwarder metrics (C12)
	ForwardedConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pbs_forwarder_connections_total",
			Help: "Total number of connections forwarded to the current leaseholder",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JournalFlushDuration,
		JournalRecordsWrittenTotal,
		JournalRecoveredRecordsTotal,
		JournalLastPersistedID,
		DispatcherRetriesTotal,
		DispatcherExhaustedTotal,
		CacheSize,
		CacheEvictionsTotal,
		CacheVetoedEvictionsTotal,
		TransactionsTotal,
		TransactionPhaseDuration,
		TransactionsInFlight,
		TransactionsRejectedTotal,
		LeaseStateTransitionsTotal,
		LeaseIsHeld,
		FrontendRequestsTotal,
		FrontendRequestDuration,
		AuthCacheHitsTotal,
		ForwardedConnectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
