package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
)

// LocalProviderID names the Postgres-backed calendar in composites.
const LocalProviderID = "local"

// EventStore is the calendar.Provider backed by the calendar_events table.
type EventStore struct {
	db *Database
}

func NewEventStore(db *Database) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) ID() string { return LocalProviderID }

// recurrenceKey is the unique-key form of a RECURRENCE-ID: empty for masters.
func recurrenceKey(rid time.Time) string {
	if rid.IsZero() {
		return ""
	}
	return rid.UTC().Format(time.RFC3339)
}

const eventColumns = "id, folder_id, attendees, data"

func scanEvent(row pgx.Row) (*calendar.Event, error) {
	var (
		id        int64
		folderID  string
		attendees []byte
		data      []byte
	)
	if err := row.Scan(&id, &folderID, &attendees, &data); err != nil {
		return nil, err
	}
	ev := &calendar.Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("corrupt event %d: %w", id, err)
	}
	if err := json.Unmarshal(attendees, &ev.Attendees); err != nil {
		return nil, fmt.Errorf("corrupt attendees of event %d: %w", id, err)
	}
	ev.ID = id
	ev.FolderID = folderID
	ev.Provider = LocalProviderID
	return ev, nil
}

func collectEvents(rows pgx.Rows) ([]*calendar.Event, error) {
	defer rows.Close()
	var out []*calendar.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *EventStore) Get(ctx context.Context, p calendar.Principal, uid string) (*calendar.Series, error) {
	rows, err := s.db.TimedQuery(ctx, "get_event",
		"SELECT "+eventColumns+" FROM calendar_events WHERE account_id = $1 AND uid = $2 ORDER BY recurrence_key",
		p.AccountID, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", uid, err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read event %s: %w", uid, err)
	}
	if len(events) == 0 {
		return nil, consts.ErrEventNotFound
	}
	return calendar.GroupSeries(events)[0], nil
}

// Range narrows the candidates in SQL and applies calendar.Overlaps for the
// exact semantics of zero-length events.
func (s *EventStore) Range(ctx context.Context, p calendar.Principal, from, to time.Time) ([]*calendar.Event, error) {
	rows, err := s.db.TimedQuery(ctx, "range_events", `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE account_id = $1 AND start_at < $3
		  AND ((recurring AND recurrence_key = '') OR end_at >= $2)
		ORDER BY start_at`,
		p.AccountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	out := events[:0]
	for _, ev := range events {
		if calendar.Overlaps(ev, from, to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Save inserts or replaces the component identified by (UID, RecurrenceID)
// and sets ev.ID and ev.Provider.
func (s *EventStore) Save(ctx context.Context, p calendar.Principal, ev *calendar.Event) error {
	attendees, err := json.Marshal(ev.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	body := ev.Clone()
	body.ID = 0
	body.Provider = ""
	body.FolderID = ""
	body.Attendees = nil
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	var (
		rid       *time.Time
		organizer string
	)
	if ev.IsException() {
		r := ev.RecurrenceID.UTC()
		rid = &r
	}
	if ev.Organizer != nil {
		organizer = ev.Organizer.Email
	}
	var dtstamp *time.Time
	if !ev.DTStamp.IsZero() {
		dtstamp = &ev.DTStamp
	}

	var id int64
	err = s.db.GetWritePool().QueryRow(ctx, `
		INSERT INTO calendar_events (account_id, uid, recurrence_key, recurrence_id, sequence, dtstamp,
			summary, start_at, end_at, recurring, status, transparency, organizer, folder_id, attendees, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (account_id, uid, recurrence_key) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			dtstamp = EXCLUDED.dtstamp,
			summary = EXCLUDED.summary,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			recurring = EXCLUDED.recurring,
			status = EXCLUDED.status,
			transparency = EXCLUDED.transparency,
			organizer = EXCLUDED.organizer,
			folder_id = CASE WHEN EXCLUDED.folder_id = '' THEN calendar_events.folder_id ELSE EXCLUDED.folder_id END,
			attendees = EXCLUDED.attendees,
			data = EXCLUDED.data,
			updated_at = now()
		RETURNING id`,
		p.AccountID, ev.UID, recurrenceKey(ev.RecurrenceID), rid, ev.Sequence, dtstamp,
		ev.Summary, ev.Start, ev.EffectiveEnd(), ev.IsRecurring(), string(ev.Status), string(ev.Transparency),
		organizer, ev.FolderID, attendees, data).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", ev.UID, err)
	}
	ev.ID = id
	ev.Provider = LocalProviderID
	return nil
}

func (s *EventStore) Delete(ctx context.Context, p calendar.Principal, uid string, recurrenceID time.Time) error {
	var (
		n   int64
		err error
	)
	if recurrenceID.IsZero() {
		n, err = s.db.TimedExec(ctx, "delete_series",
			"DELETE FROM calendar_events WHERE account_id = $1 AND uid = $2", p.AccountID, uid)
	} else {
		n, err = s.db.TimedExec(ctx, "delete_exception",
			"DELETE FROM calendar_events WHERE account_id = $1 AND uid = $2 AND recurrence_key = $3",
			p.AccountID, uid, recurrenceKey(recurrenceID))
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", uid, err)
	}
	if n == 0 {
		return consts.ErrEventNotFound
	}
	return nil
}
