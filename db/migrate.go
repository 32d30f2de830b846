package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// NewMigrator opens a dedicated database/sql connection for golang-migrate.
// The caller closes the returned *sql.DB.
func NewMigrator(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*migrate.Migrate, *sql.DB, error) {
	if endpoint == nil || len(endpoint.Hosts) == 0 {
		return nil, nil, errors.New("write database configuration is missing or has no hosts")
	}
	dsn, _, err := connString(endpoint)
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// MigrateUp applies all pending migrations while holding the advisory lock.
func MigrateUp(ctx context.Context, endpoint *config.DatabaseEndpointConfig) error {
	m, sqlDB, err := NewMigrator(ctx, endpoint)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := AcquireExclusiveLock(ctx, sqlDB); err != nil {
		return err
	}
	defer ReleaseExclusiveLock(context.Background(), sqlDB)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("DB: schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}

// AcquireExclusiveLock takes the migration advisory lock without waiting.
func AcquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	var acquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock, another migration is running")
	}
	logger.Info("DB: acquired exclusive lock for migration")
	return nil
}

func ReleaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("DB: failed to release advisory lock after migration", "error", err)
	case !unlocked:
		logger.Warn("DB: advisory lock was not held at release time")
	default:
		logger.Info("DB: released exclusive lock")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("DB: migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
