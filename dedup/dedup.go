// Package dedup keeps a local SQLite index of messages already processed per
// account, so LMTP redeliveries and repeated imports are not analyzed twice.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
	_ "modernc.org/sqlite"
)

const purgeBatchSize = 1000

type Index struct {
	db        *sql.DB
	retention time.Duration
	mu        sync.Mutex
}

// Open creates or opens the index at path. ":memory:" gives a private
// in-memory index.
func Open(path string, retention time.Duration) (*Index, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("dedup index path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create dedup directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup index: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("DEDUP: failed to enable WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS processed (
		account_id   INTEGER NOT NULL,
		message_id   TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		processed_at INTEGER NOT NULL, -- unix seconds
		PRIMARY KEY (account_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed(processed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dedup schema: %w", err)
	}
	return &Index{db: db, retention: retention}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// key falls back to the content hash for messages without a Message-ID.
func key(messageID, contentHash string) string {
	if messageID = strings.TrimSpace(messageID); messageID != "" {
		return messageID
	}
	return "hash:" + contentHash
}

// Claim records the message for the account and reports whether it was new.
// A false result means the message was processed before.
func (x *Index) Claim(ctx context.Context, accountID int64, messageID, contentHash string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed (account_id, message_id, content_hash, processed_at) VALUES (?, ?, ?, ?)`,
		accountID, key(messageID, contentHash), contentHash, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		metrics.MessagesRejected.WithLabelValues("duplicate").Inc()
	}
	return n == 1, nil
}

// Release forgets a claim, so a message whose processing failed is handled
// again on redelivery.
func (x *Index) Release(ctx context.Context, accountID int64, messageID, contentHash string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx, `DELETE FROM processed WHERE account_id = ? AND message_id = ?`,
		accountID, key(messageID, contentHash))
	return err
}

// Purge drops entries older than the retention period.
func (x *Index) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-x.retention).Unix()
	var total int64
	for {
		x.mu.Lock()
		res, err := x.db.ExecContext(ctx, `
			DELETE FROM processed WHERE rowid IN (
				SELECT rowid FROM processed WHERE processed_at < ? LIMIT ?
			)`, cutoff, purgeBatchSize)
		x.mu.Unlock()
		if err != nil {
			return total, fmt.Errorf("failed to purge dedup index: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

// StartPurgeLoop purges once at startup and then every interval.
func (x *Index) StartPurgeLoop(ctx context.Context, interval time.Duration) {
	go func() {
		x.runPurge(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				x.runPurge(ctx)
			}
		}
	}()
}

func (x *Index) runPurge(ctx context.Context) {
	n, err := x.Purge(ctx)
	if err != nil {
		logger.Warn("DEDUP: purge failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("DEDUP: purged expired entries", "count", n)
	}
}

// Count returns the number of tracked messages.
func (x *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed`).Scan(&n)
	return n, err
}
