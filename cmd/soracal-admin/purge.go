package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/server/cleaner"
	"github.com/migadu/soracal/storage"
)

func handlePurge(ctx context.Context) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := configFlag(fs)
	decidedFlag := fs.String("decided", "", "Override cleanup.decided_retention (e.g. 30d, 0 to keep)")
	pendingFlag := fs.String("pending", "", "Override cleanup.pending_retention (e.g. 180d, 0 to keep)")
	fs.Usage = func() {
		fmt.Printf(`Remove inbox entries past their retention

Decided entries older than the decided retention and entries still pending
after the pending retention are deleted together with their archived copy.

Usage:
  soracal-admin purge [options]

Options:
  --decided string   Override cleanup.decided_retention (e.g. 30d, 0 to keep)
  --pending string   Override cleanup.pending_retention (e.g. 180d, 0 to keep)
  --config string    Path to TOML configuration file (default: config.toml)
`)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if *decidedFlag != "" {
		cfg.Cleanup.DecidedRetention = *decidedFlag
	}
	if *pendingFlag != "" {
		cfg.Cleanup.PendingRetention = *pendingFlag
	}
	decided, err := cfg.Cleanup.GetDecidedRetention()
	if err != nil {
		logger.Fatalf("Invalid decided retention: %v", err)
	}
	pending, err := cfg.Cleanup.GetPendingRetention()
	if err != nil {
		logger.Fatalf("Invalid pending retention: %v", err)
	}

	database := openDatabase(ctx, cfg)
	defer database.Close()

	var archive cleaner.ArchiveManager
	if cfg.S3.IsConfigured() {
		s3, err := storage.NewFromConfig(cfg.S3)
		if err != nil {
			logger.Fatalf("Failed to initialize S3 storage: %v", err)
		}
		archive = s3
	}

	n, err := cleaner.New(database, archive, 0, decided, pending).RunOnce(ctx)
	if err != nil {
		logger.Fatalf("Purge failed after %d entries: %v", n, err)
	}
	fmt.Printf("Purged %d inbox entries (decided older than %s, pending older than %s)\n",
		n, retentionLabel(decided), retentionLabel(pending))
}

func retentionLabel(d time.Duration) string {
	if d == 0 {
		return "never"
	}
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}
