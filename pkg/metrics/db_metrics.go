package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Postgres metrics. role is "read" or "write" depending on the pool used.
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soracal_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	// Inbox writes and action application run in transactions.
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soracal_db_transactions_total",
			Help: "Database transactions by outcome",
		},
		[]string{"status"}, // "commit", "rollback"
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soracal_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	DBPoolConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soracal_db_pool_conns",
			Help: "Connections in the pgx pool by state",
		},
		[]string{"role", "state"}, // state: "total", "idle", "in_use"
	)
)
