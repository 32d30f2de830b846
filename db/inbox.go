package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/itip"
)

// InboxEntry is an analyzed iTIP message awaiting or carrying a decision.
type InboxEntry struct {
	ID            int64          `json:"id"`
	AccountID     int64          `json:"account_id"`
	MessageID     string         `json:"message_id"`
	UID           string         `json:"uid"`
	Method        string         `json:"method"`
	Sender        string         `json:"sender,omitempty"`
	Organizer     string         `json:"organizer,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	S3Key         string         `json:"s3_key,omitempty"`
	SpamScore     *float64       `json:"spam_score,omitempty"`
	Analysis      *itip.Analysis `json:"analysis"`
	AppliedAction string         `json:"applied_action,omitempty"`
	AppliedMode   string         `json:"applied_mode,omitempty"`
	AppliedAt     *time.Time     `json:"applied_at,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Pending reports whether no action was applied yet.
func (e *InboxEntry) Pending() bool {
	return e.AppliedAction == ""
}

// InsertInboxEntry stores an analyzed message. A second message with the same
// Message-ID for the account yields consts.ErrDuplicateMessage.
func (db *Database) InsertInboxEntry(ctx context.Context, e *InboxEntry) (int64, error) {
	analysis, err := json.Marshal(e.Analysis)
	if err != nil {
		return 0, fmt.Errorf("failed to encode analysis: %w", err)
	}
	actions := make([]string, 0, len(e.Analysis.Actions))
	for _, a := range e.Analysis.Actions {
		actions = append(actions, string(a))
	}

	var id int64
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO itip_messages (account_id, message_id, uid, method, sender, organizer, subject, s3_key, spam_score, analysis, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, message_id) DO NOTHING
		RETURNING id`,
		e.AccountID, e.MessageID, e.UID, e.Method, e.Sender, e.Organizer, e.Subject, e.S3Key, e.SpamScore,
		analysis, actions).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, consts.ErrDuplicateMessage
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert itip message: %w", err)
	}
	e.ID = id
	return id, nil
}

const inboxColumns = `id, account_id, message_id, uid, method, sender, organizer, subject, s3_key, spam_score,
	analysis, COALESCE(applied_action, ''), COALESCE(applied_mode, ''), applied_at, received_at`

func scanInboxEntry(row pgx.Row) (*InboxEntry, error) {
	var (
		e        InboxEntry
		analysis []byte
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.MessageID, &e.UID, &e.Method, &e.Sender, &e.Organizer, &e.Subject,
		&e.S3Key, &e.SpamScore, &analysis, &e.AppliedAction, &e.AppliedMode, &e.AppliedAt, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	e.Analysis = &itip.Analysis{}
	if err := json.Unmarshal(analysis, e.Analysis); err != nil {
		return nil, fmt.Errorf("corrupt analysis for itip message %d: %w", e.ID, err)
	}
	return &e, nil
}

// GetInboxEntry returns one entry of the account.
func (db *Database) GetInboxEntry(ctx context.Context, accountID, id int64) (*InboxEntry, error) {
	e, err := scanInboxEntry(db.TimedQueryRow(ctx, "get_itip_message",
		"SELECT "+inboxColumns+" FROM itip_messages WHERE account_id = $1 AND id = $2", accountID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrInboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load itip message %d: %w", id, err)
	}
	return e, nil
}

// ListInbox returns the newest entries first.
func (db *Database) ListInbox(ctx context.Context, accountID int64, pendingOnly bool, limit int) ([]*InboxEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT " + inboxColumns + " FROM itip_messages WHERE account_id = $1"
	if pendingOnly {
		query += " AND applied_action IS NULL"
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT $2"

	rows, err := db.TimedQuery(ctx, "list_itip_messages", query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list itip messages: %w", err)
	}
	defer rows.Close()

	var out []*InboxEntry
	for rows.Next() {
		e, err := scanInboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkApplied records the action taken on an entry. mode is "auto" or "manual".
func (db *Database) MarkApplied(ctx context.Context, accountID, id int64, action itip.Action, mode string) error {
	n, err := db.TimedExec(ctx, "mark_itip_applied", `
		UPDATE itip_messages SET applied_action = $3, applied_mode = $4, applied_at = now()
		WHERE account_id = $1 AND id = $2`,
		accountID, id, string(action), mode)
	if err != nil {
		return fmt.Errorf("failed to mark itip message %d: %w", id, err)
	}
	if n == 0 {
		return consts.ErrInboxNotFound
	}
	return nil
}

// SupersedePending closes older pending entries for the same UID once a newer
// message for it has been stored.
func (db *Database) SupersedePending(ctx context.Context, accountID int64, uid string, keepID int64) (int64, error) {
	n, err := db.TimedExec(ctx, "supersede_itip_messages", `
		UPDATE itip_messages SET applied_action = 'SUPERSEDED', applied_mode = 'auto', applied_at = now()
		WHERE account_id = $1 AND uid = $2 AND id < $3 AND applied_action IS NULL`,
		accountID, uid, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede itip messages for %s: %w", uid, err)
	}
	return n, nil
}
