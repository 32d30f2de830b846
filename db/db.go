package db

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	for role, pool := range map[string]*pgxpool.Pool{"write": db.WritePool, "read": db.ReadPool} {
		if pool == nil {
			continue
		}
		stats := pool.Stat()
		metrics.DBPoolConns.WithLabelValues(role, "total").Set(float64(stats.TotalConns()))
		metrics.DBPoolConns.WithLabelValues(role, "idle").Set(float64(stats.IdleConns()))
		metrics.DBPoolConns.WithLabelValues(role, "in_use").Set(float64(stats.AcquiredConns()))
	}
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the pool for reads. Requests that just
// applied an action pin themselves to the write pool to see their own writes.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// Ping checks both pools.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.ReadPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}

// NewDatabaseFromConfig creates a new database connection with read/write split configuration
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	if dbConfig.AutoMigrate {
		timeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		mctx, cancel := context.WithTimeout(ctx, timeout)
		err = MigrateUp(mctx, dbConfig.Write)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("DB: no read configuration specified, using write pool for reads")
		readPool = writePool
	}

	return &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}, nil
}

// connString builds a postgres URL for a randomly selected host of the endpoint.
func connString(endpoint *config.DatabaseEndpointConfig) (string, string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", "", fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		switch v := endpoint.Port.(type) {
		case nil:
		case string:
			portStr = v
		case int:
			portStr = strconv.Itoa(v)
		case int64: // TOML decodes integers as int64
			portStr = strconv.FormatInt(v, 10)
		default:
			return "", "", fmt.Errorf("invalid type for port: %T", v)
		}
		if portStr == "" {
			portStr = "5432"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", "", fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)
	redacted := fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", endpoint.User, selectedHost, endpoint.Name, sslMode)
	return dsn, redacted, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	dsn, redacted, err := connString(endpoint)
	if err != nil {
		return nil, err
	}

	logger.Info("DB: connecting", "pool", poolType, "dsn", redacted, "hosts", endpoint.Hosts)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}

	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: pool created", "pool", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns,
		"max_lifetime", dbPool.Config().MaxConnLifetime, "max_idle", dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceStartKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(traceStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debug("DB: query failed", "tag", data.CommandTag.String(), "duration", elapsed, "error", data.Err)
		return
	}
	logger.Debug("DB: query", "tag", data.CommandTag.String(), "duration", elapsed)
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		mtx.done = true
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// Rollback after a successful Commit is a no-op, so callers can defer it.
func (mtx *measuredTx) Rollback(ctx context.Context) error {
	if mtx.done {
		return nil
	}
	mtx.done = true
	err := mtx.Tx.Rollback(ctx)
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	row := pool.QueryRow(ctx, sql, args...)

	role := db.role(pool)
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", role).Inc()
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)

	role := db.role(pool)
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status(err), role).Inc()
	return rows, err
}

// TimedExec wraps Exec with duration metrics. Writes always go to the write pool.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) (int64, error) {
	start := time.Now()
	tag, err := db.GetWritePool().Exec(ctx, sql, args...)

	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status(err), "write").Inc()
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *Database) role(pool *pgxpool.Pool) string {
	if pool == db.WritePool {
		return "write"
	}
	return "read"
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
