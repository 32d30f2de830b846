package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_itip_messages_received_total",
			Help: "Total number of iTIP messages received, by method",
		},
		[]string{"method", "source"}, // source: "lmtp", "http", "import"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_messages_rejected_total",
			Help: "Messages dropped before analysis",
		},
		[]string{"reason"}, // "duplicate", "spam", "malformed", "no_calendar"
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soracal_processing_duration_seconds",
			Help:    "Time spent processing one inbound message end to end",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method"},
	)
)

// Analysis metrics
var (
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_analyses_total",
			Help: "iTIP analyses by method and resulting change type",
		},
		[]string{"method", "outcome"},
	)

	AnnotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_annotations_total",
			Help: "Annotations attached to analyses",
		},
		[]string{"key"},
	)

	ConflictsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soracal_conflicts_found_total",
			Help: "Scheduling conflicts detected while analyzing invitations",
		},
	)

	ActionsPerformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_actions_performed_total",
			Help: "Actions applied to analyses",
		},
		[]string{"action", "mode", "status"}, // mode: "auto", "manual"; status: "ok", "error", "rejected"
	)
)

// Spam filtering metrics
var (
	SpamChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_spam_checks_total",
			Help: "SpamAssassin verdicts on inbound messages",
		},
		[]string{"result"}, // "ham", "spam", "error"
	)

	SpamCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soracal_spam_check_duration_seconds",
			Help:    "Round trip time to spamd",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Outbound delivery metrics
var (
	RelayDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_relay_delivery_total",
			Help: "Outgoing iTIP messages handed to the SMTP relay",
		},
		[]string{"method", "result"}, // result: "success", "temporary", "permanent"
	)
)

// S3 archive metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soracal_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	ProviderQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soracal_provider_query_duration_seconds",
			Help:    "Duration of calendar provider calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"provider", "operation"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_provider_errors_total",
			Help: "Calendar provider failures, reads are degraded when non-default providers fail",
		},
		[]string{"provider", "operation"},
	)
)

// Connection and inventory gauges
var (
	LMTPSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soracal_lmtp_sessions_total",
			Help: "Total number of LMTP sessions",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)

	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soracal_accounts_total",
			Help: "Total number of accounts",
		},
	)

	EventsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soracal_events_total",
			Help: "Total number of stored calendar events",
		},
	)

	PendingAnalyses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soracal_pending_analyses",
			Help: "Inbox entries awaiting a user decision",
		},
	)

	OldestPendingAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soracal_oldest_pending_age_seconds",
			Help: "Age of the oldest inbox entry still awaiting a decision",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soracal_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soracal_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soracal_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"component"},
	)
)

// Principal cache metrics
var (
	PrincipalCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_principal_cache_lookups_total",
			Help: "Address and credential lookups served by the principal cache",
		},
		[]string{"kind", "result"}, // kind: "resolve", "auth"; result: "hit", "miss", "shared"
	)

	PrincipalCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soracal_principal_cache_entries",
			Help: "Entries currently held by the principal cache",
		},
	)
)

// Retention metrics
var (
	InboxEntriesPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_inbox_entries_purged_total",
			Help: "Inbox entries removed by the retention worker",
		},
		[]string{"result"}, // "deleted", "archive_error"
	)
)
