package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/soracal/config"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the PostgreSQL instance described by
// config-test.toml, applies the migrations and empties all tables. Tests are
// skipped when no such file exists or in -short mode.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping database integration test")
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg))
	cfg.Database.AutoMigrate = true

	ctx := context.Background()
	database, err := NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running")
	t.Cleanup(database.Close)

	_, err = database.GetWritePool().Exec(ctx, "TRUNCATE itip_messages, calendar_events, aliases, accounts RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
