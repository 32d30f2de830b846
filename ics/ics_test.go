package ics

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFile(t *testing.T, name string) *Object {
	t.Helper()
	f, err := os.Open("testdata/" + name)
	require.NoError(t, err)
	defer f.Close()
	obj, err := Decode(f)
	require.NoError(t, err)
	return obj
}

func TestDecodeRecurringRequest(t *testing.T) {
	obj := decodeFile(t, "request_recurring.ics")

	assert.Equal(t, "REQUEST", obj.Method)
	assert.Equal(t, "040000008200E00074C5B7101A82E008", obj.UID())
	require.Len(t, obj.Events, 2, "foreign UID dropped")

	master := obj.Events[0]
	assert.False(t, master.IsException(), "master sorted first")
	assert.Equal(t, "W. Europe Standard Time", master.TimeZone)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), master.Start)
	assert.Equal(t, time.Hour, master.Duration(), "DURATION converted to end")
	assert.Equal(t, "Agenda, notes", master.Description)
	assert.Equal(t, 2, master.Sequence)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=10", master.RRule)
	assert.Len(t, master.ExDates, 2)
	assert.Equal(t, []string{"Work", "Team"}, master.Categories)
	assert.Equal(t, calendar.Opaque, master.Transparency)
	assert.Equal(t, calendar.StatusConfirmed, master.Status)

	require.NotNil(t, master.Organizer)
	assert.Equal(t, "bob@example.com", master.Organizer.Email)
	assert.Equal(t, "assistant@example.com", master.Organizer.SentBy)

	require.Len(t, master.Attendees, 2)
	assert.Equal(t, "alice@example.com", master.Attendees[0].Email)
	assert.True(t, master.Attendees[0].RSVP)
	assert.Equal(t, calendar.PartStatNeedsAction, master.Attendees[0].PartStat)
	assert.Equal(t, []string{"dave@example.com"}, master.Attendees[1].DelegatedFrom)

	ex := obj.Events[1]
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), ex.RecurrenceID)
	assert.Equal(t, "Weekly sync (moved)", ex.Summary)
}

func TestDecodeAllDayAndAltDesc(t *testing.T) {
	obj := decodeFile(t, "altdesc.ics")
	ev := obj.Events[0]
	assert.True(t, ev.AllDay)
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), ev.Start)
	assert.True(t, ev.IsTransparent())
	assert.Contains(t, ev.Description, "Office")
	assert.Contains(t, ev.Description, "closed")
	assert.NotContains(t, ev.Description, "<b>")
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(strings.NewReader(""))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)

	noStart := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:x\r\nBEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20260301T120000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	_, err = Decode(strings.NewReader(noStart))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)

	badRule := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:x\r\nBEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20260301T120000Z\r\nDTSTART:20260301T120000Z\r\nRRULE:FREQ=NEVER\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	_, err = Decode(strings.NewReader(badRule))
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestEncodeRoundTrip(t *testing.T) {
	start := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	ev := &calendar.Event{
		UID:          "rt-1",
		Sequence:     3,
		DTStamp:      start.Add(-time.Hour),
		Start:        start,
		End:          start.Add(90 * time.Minute),
		Summary:      "Planning; Q3, budget",
		RRule:        "FREQ=DAILY;COUNT=3",
		ExDates:      []time.Time{start.AddDate(0, 0, 1)},
		Categories:   []string{"Work"},
		Status:       calendar.StatusTentative,
		Transparency: calendar.Opaque,
		Organizer:    &calendar.Attendee{Email: "bob@example.com", CommonName: "Bob"},
		Attendees: []*calendar.Attendee{
			{Email: "alice@example.com", PartStat: calendar.PartStatDelegated, DelegatedTo: []string{"carol@example.com"}, RSVP: true},
		},
	}

	data, err := Encode("REQUEST", []*calendar.Event{ev}, "-//test//EN")
	require.NoError(t, err)
	assert.Contains(t, string(data), "METHOD:REQUEST")

	obj, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	got := obj.Events[0]

	assert.Equal(t, ev.UID, got.UID)
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.True(t, ev.Start.Equal(got.Start))
	assert.True(t, ev.End.Equal(got.End))
	assert.Equal(t, ev.Summary, got.Summary)
	assert.Equal(t, ev.RRule, got.RRule)
	require.Len(t, got.ExDates, 1)
	assert.True(t, ev.ExDates[0].Equal(got.ExDates[0]))
	assert.Equal(t, ev.Status, got.Status)
	assert.Equal(t, "bob@example.com", got.Organizer.Email)
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, calendar.PartStatDelegated, got.Attendees[0].PartStat)
	assert.Equal(t, []string{"carol@example.com"}, got.Attendees[0].DelegatedTo)
}

func TestEncodeAllDayException(t *testing.T) {
	d := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ev := &calendar.Event{UID: "ad", Start: d, End: d.AddDate(0, 0, 1), AllDay: true, RecurrenceID: d, DTStamp: d}
	data, err := Encode("", []*calendar.Event{ev}, "-//test//EN")
	require.NoError(t, err)
	assert.Contains(t, string(data), "DTSTART;VALUE=DATE:20260601")
	assert.Contains(t, string(data), "RECURRENCE-ID;VALUE=DATE:20260601")
	assert.NotContains(t, string(data), "METHOD")
}
