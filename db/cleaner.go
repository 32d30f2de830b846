package db

import (
	"context"
	"fmt"
	"time"
)

const (
	CleanupLockName  = "inbox_retention"
	BatchPurgeSize   = 500
	CleanupLockLease = 5 * time.Minute
)

// ExpiredInboxEntry is an inbox row past its retention, with the archive key
// of its raw message (empty when it was never archived).
type ExpiredInboxEntry struct {
	ID    int64
	S3Key string
}

// AcquireCleanupLock takes the retention lease. An expired lease left by a
// crashed instance is taken over.
func (db *Database) AcquireCleanupLock(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	n, err := db.TimedExec(ctx, "acquire_cleanup_lock", `
		INSERT INTO locks (lock_name, acquired_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE SET
			acquired_at = $2,
			expires_at = $3
		WHERE locks.expires_at < $2`,
		CleanupLockName, now, now.Add(CleanupLockLease))
	if err != nil {
		return false, fmt.Errorf("failed to acquire cleanup lock: %w", err)
	}
	return n > 0, nil
}

func (db *Database) ReleaseCleanupLock(ctx context.Context) error {
	if _, err := db.TimedExec(ctx, "release_cleanup_lock", `DELETE FROM locks WHERE lock_name = $1`, CleanupLockName); err != nil {
		return fmt.Errorf("failed to release cleanup lock: %w", err)
	}
	return nil
}

// ExpiredInboxEntries lists entries decided more than decidedRetention ago,
// and entries still pending after pendingRetention. A zero retention
// disables that half.
func (db *Database) ExpiredInboxEntries(ctx context.Context, decidedRetention, pendingRetention time.Duration, limit int) ([]ExpiredInboxEntry, error) {
	if decidedRetention <= 0 && pendingRetention <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var decidedBefore, pendingBefore *time.Time
	if decidedRetention > 0 {
		t := now.Add(-decidedRetention)
		decidedBefore = &t
	}
	if pendingRetention > 0 {
		t := now.Add(-pendingRetention)
		pendingBefore = &t
	}

	rows, err := db.GetWritePool().Query(ctx, `
		SELECT id, s3_key FROM itip_messages
		WHERE ($1::timestamptz IS NOT NULL AND applied_action IS NOT NULL AND applied_at < $1)
		   OR ($2::timestamptz IS NOT NULL AND applied_action IS NULL AND received_at < $2)
		ORDER BY id
		LIMIT $3`,
		decidedBefore, pendingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired itip messages: %w", err)
	}
	defer rows.Close()

	var out []ExpiredInboxEntry
	for rows.Next() {
		var e ExpiredInboxEntry
		if err := rows.Scan(&e.ID, &e.S3Key); err != nil {
			return nil, fmt.Errorf("failed to scan expired itip message: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteInboxEntries removes the given inbox rows.
func (db *Database) DeleteInboxEntries(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := db.TimedExec(ctx, "delete_itip_messages", `DELETE FROM itip_messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete itip messages: %w", err)
	}
	return n, nil
}
