// Package cleaner runs the inbox retention worker. Decided iTIP messages are
// dropped after a retention period, and so are messages that stayed pending
// for too long, together with their archived raw copy. A lease row in the
// database keeps concurrent instances from purging at the same time.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
)

// DatabaseManager defines the database operations required by the cleaner.
type DatabaseManager interface {
	AcquireCleanupLock(ctx context.Context) (bool, error)
	ReleaseCleanupLock(ctx context.Context) error
	ExpiredInboxEntries(ctx context.Context, decidedRetention, pendingRetention time.Duration, limit int) ([]db.ExpiredInboxEntry, error)
	DeleteInboxEntries(ctx context.Context, ids []int64) (int64, error)
}

// ArchiveManager removes archived raw messages. Missing objects are not an error.
type ArchiveManager interface {
	Delete(ctx context.Context, key string) error
}

type CleanupWorker struct {
	rdb              DatabaseManager
	archive          ArchiveManager
	interval         time.Duration
	decidedRetention time.Duration
	pendingRetention time.Duration
	batchSize        int
	stopCh           chan struct{}
}

// New creates a new CleanupWorker. archive may be nil when archiving is off.
func New(rdb DatabaseManager, archive ArchiveManager, interval, decidedRetention, pendingRetention time.Duration) *CleanupWorker {
	return &CleanupWorker{
		rdb:              rdb,
		archive:          archive,
		interval:         interval,
		decidedRetention: decidedRetention,
		pendingRetention: pendingRetention,
		batchSize:        db.BatchPurgeSize,
		stopCh:           make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	logger.Info("Cleanup: worker starting", "interval", w.interval,
		"decided_retention", w.decidedRetention, "pending_retention", w.pendingRetention)

	interval := w.interval
	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Cleanup: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleanup: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleanup: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the cleanup worker to stop
func (w *CleanupWorker) Stop() {
	close(w.stopCh)
}

// RunOnce purges expired entries in batches until none are left, and
// returns how many rows were deleted. It does nothing when another instance
// holds the lease.
func (w *CleanupWorker) RunOnce(ctx context.Context) (int64, error) {
	locked, err := w.rdb.AcquireCleanupLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}
	if !locked {
		logger.Debug("Cleanup: skipped, another instance holds the lock")
		return 0, nil
	}
	defer func() {
		if err := w.rdb.ReleaseCleanupLock(context.Background()); err != nil {
			logger.Warn("Cleanup: failed to release lock", "error", err)
		}
	}()

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		candidates, err := w.rdb.ExpiredInboxEntries(ctx, w.decidedRetention, w.pendingRetention, w.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list expired inbox entries: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			if c.S3Key != "" && w.archive != nil {
				if err := w.archive.Delete(ctx, c.S3Key); err != nil {
					// The row stays so the object is retried on the next run.
					logger.Warn("Cleanup: failed to delete archived message", "key", c.S3Key, "error", err)
					metrics.InboxEntriesPurged.WithLabelValues("archive_error").Inc()
					continue
				}
			}
			ids = append(ids, c.ID)
		}
		if len(ids) == 0 {
			break
		}

		n, err := w.rdb.DeleteInboxEntries(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("failed to delete inbox entries: %w", err)
		}
		total += n
		metrics.InboxEntriesPurged.WithLabelValues("deleted").Add(float64(n))

		if len(candidates) < w.batchSize || len(ids) < len(candidates) {
			break
		}
	}

	if total > 0 {
		logger.Info("Cleanup: purged expired inbox entries", "count", total)
	}
	return total, nil
}
