package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

The server applies pending migrations on startup unless database.auto_migrate
is false. Both paths take the same advisory lock.

Usage:
  soracal-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  soracal-admin migrate up
  soracal-admin migrate down --limit 2
  soracal-admin migrate version
  soracal-admin migrate force 1
`)
}

// migrator opens golang-migrate against the write endpoint and takes the
// migration lock when exclusive is set.
func migrator(ctx context.Context, configPath string, exclusive bool) (*migrate.Migrate, func()) {
	cfg := loadConfig(configPath)
	m, sqlDB, err := db.NewMigrator(ctx, cfg.Database.Write)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	if !exclusive {
		return m, func() { sqlDB.Close() }
	}
	if err := db.AcquireExclusiveLock(ctx, sqlDB); err != nil {
		sqlDB.Close()
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	return m, func() {
		// The primary context may be cancelled by now.
		db.ReleaseExclusiveLock(context.Background(), sqlDB)
		sqlDB.Close()
	}
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(os.Args[3:])

	m, done := migrator(ctx, *configPath, true)
	defer done()

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	m, done := migrator(ctx, *configPath, true)
	defer done()

	steps := *limit
	if *all {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations to revert.")
			return
		}
		if err != nil {
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d). Fix it with the 'force' subcommand.", version)
		}
		steps = int(version)
	}

	logger.Infof("Reverting %d migration(s)...", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to revert migrations: %v", err)
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(os.Args[3:])

	m, done := migrator(ctx, *configPath, false)
	defer done()
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Println("Usage: soracal-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m, done := migrator(ctx, *configPath, true)
	defer done()

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	showVersion(m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current migration version: none")
			return
		}
		logger.Warnf("Failed to get migration version: %v", err)
		return
	}
	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("Dirty state: YES (database may be inconsistent, use 'force' to fix)")
	} else {
		fmt.Println("Dirty state: no")
	}
}
