package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/soracal/pkg/metrics"
)

// MethodCount is one row of the method histogram.
type MethodCount struct {
	Method  string
	Total   int64
	Pending int64
	Auto    int64
	Last    time.Time
}

// MethodHistogram counts received messages per iTIP method since the given time.
func (db *Database) MethodHistogram(ctx context.Context, since time.Time) ([]MethodCount, error) {
	rows, err := db.TimedQuery(ctx, "report_methods", `
		SELECT method,
		       count(*),
		       count(*) FILTER (WHERE applied_action IS NULL),
		       count(*) FILTER (WHERE applied_mode = 'auto'),
		       max(received_at)
		FROM itip_messages
		WHERE received_at >= $1
		GROUP BY method
		ORDER BY count(*) DESC, method`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query method histogram: %w", err)
	}
	defer rows.Close()

	var out []MethodCount
	for rows.Next() {
		var c MethodCount
		if err := rows.Scan(&c.Method, &c.Total, &c.Pending, &c.Auto, &c.Last); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OrganizerCount is one row of the top organizers report.
type OrganizerCount struct {
	Organizer string
	Messages  int64
	Events    int64
	Accounts  int64
}

// TopOrganizers ranks organizers by the number of messages they sent.
func (db *Database) TopOrganizers(ctx context.Context, since time.Time, limit int) ([]OrganizerCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.TimedQuery(ctx, "report_organizers", `
		SELECT m.organizer,
		       count(*),
		       count(DISTINCT m.uid),
		       count(DISTINCT m.account_id)
		FROM itip_messages m
		WHERE m.organizer <> '' AND m.received_at >= $1
		GROUP BY m.organizer
		ORDER BY count(*) DESC, m.organizer
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizers: %w", err)
	}
	defer rows.Close()

	var out []OrganizerCount
	for rows.Next() {
		var c OrganizerCount
		if err := rows.Scan(&c.Organizer, &c.Messages, &c.Events, &c.Accounts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PendingSummary is one unanswered analysis.
type PendingSummary struct {
	ID         int64
	Email      string
	Method     string
	UID        string
	Subject    string
	Sender     string
	Actions    []string
	ReceivedAt time.Time
}

// PendingAnalyses lists analyses that wait for a decision, oldest first.
func (db *Database) PendingAnalyses(ctx context.Context, olderThan time.Duration, limit int) ([]PendingSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.TimedQuery(ctx, "report_pending", `
		SELECT m.id, a.email, m.method, m.uid, m.subject, m.sender, m.actions, m.received_at
		FROM itip_messages m
		JOIN accounts a ON a.id = m.account_id
		WHERE m.applied_action IS NULL AND m.received_at <= $1
		ORDER BY m.received_at
		LIMIT $2`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending analyses: %w", err)
	}
	defer rows.Close()

	var out []PendingSummary
	for rows.Next() {
		var s PendingSummary
		if err := rows.Scan(&s.ID, &s.Email, &s.Method, &s.UID, &s.Subject, &s.Sender, &s.Actions, &s.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AccountSummary is one row of the per-account report.
type AccountSummary struct {
	ID        int64
	Email     string
	Aliases   int64
	Events    int64
	Recurring int64
	Pending   int64
	Messages  int64
	CreatedAt time.Time
}

// ListAccounts returns every account with event and inbox counts.
func (db *Database) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	rows, err := db.TimedQuery(ctx, "report_accounts", `
		SELECT a.id, a.email, a.created_at,
		       (SELECT count(*) FROM aliases WHERE account_id = a.id),
		       (SELECT count(*) FROM calendar_events WHERE account_id = a.id),
		       (SELECT count(*) FROM calendar_events WHERE account_id = a.id AND recurring),
		       (SELECT count(*) FROM itip_messages WHERE account_id = a.id AND applied_action IS NULL),
		       (SELECT count(*) FROM itip_messages WHERE account_id = a.id)
		FROM accounts a
		ORDER BY a.email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var s AccountSummary
		if err := rows.Scan(&s.ID, &s.Email, &s.CreatedAt, &s.Aliases, &s.Events, &s.Recurring, &s.Pending, &s.Messages); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetInventoryStats feeds the periodic gauge collector.
func (db *Database) GetInventoryStats(ctx context.Context) (*metrics.InventoryStats, error) {
	var s metrics.InventoryStats
	err := db.TimedQueryRow(ctx, "inventory_stats", `
		SELECT (SELECT count(*) FROM accounts),
		       (SELECT count(*) FROM calendar_events),
		       (SELECT count(*) FROM itip_messages WHERE applied_action IS NULL),
		       (SELECT min(received_at) FROM itip_messages WHERE applied_action IS NULL)`).
		Scan(&s.Accounts, &s.Events, &s.PendingAnalyses, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to collect inventory stats: %w", err)
	}
	return &s, nil
}
