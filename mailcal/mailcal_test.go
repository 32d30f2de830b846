package mailcal

import (
	"strings"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/ics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outlookInvite = "From: Bob Boss <bob@example.com>\r\n" +
	"Sender: assistant@example.com\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Invitation: Review\r\n" +
	"Message-ID: <inv-1@example.com>\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Please <b>join</b></p></body></html>\r\n" +
	"--b1\r\n" +
	"Content-Type: text/calendar; charset=utf-8; method=REQUEST\r\n" +
	"\r\n" +
	"BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"METHOD:REQUEST\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:review-1\r\n" +
	"DTSTAMP:20260302T100000Z\r\n" +
	"DTSTART:20260305T140000Z\r\n" +
	"DTEND:20260305T150000Z\r\n" +
	"SUMMARY:Review\r\n" +
	"ORGANIZER:mailto:bob@example.com\r\n" +
	"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:alice@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n" +
	"--b1--\r\n"

func TestExtractOutlookStyle(t *testing.T) {
	env, err := Extract([]byte(outlookInvite))
	require.NoError(t, err)

	assert.Equal(t, "<inv-1@example.com>", "<"+env.MessageID+">")
	assert.Equal(t, "bob@example.com", env.From)
	assert.Equal(t, "assistant@example.com", env.Sender)
	assert.Equal(t, "assistant@example.com", env.Originator())
	assert.Equal(t, "Invitation: Review", env.Subject)
	assert.Equal(t, "REQUEST", env.Method)
	assert.Equal(t, "review-1", env.Calendar.UID())
	assert.Contains(t, env.Comment, "Please")
	assert.NotContains(t, env.Comment, "<b>")
}

func TestExtractMethodFallsBackToCalendar(t *testing.T) {
	raw := strings.Replace(outlookInvite, "; method=REQUEST", "", 1)
	env, err := Extract([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "REQUEST", env.Method)
}

func TestExtractNoCalendar(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	_, err := Extract([]byte(raw))
	assert.ErrorIs(t, err, consts.ErrNoCalendarPart)
}

func TestComposeThenExtract(t *testing.T) {
	start := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	ev := &calendar.Event{
		UID:       "review-1",
		Start:     start,
		End:       start.Add(time.Hour),
		DTStamp:   start.Add(-24 * time.Hour),
		Summary:   "Review",
		Organizer: &calendar.Attendee{Email: "bob@example.com"},
		Attendees: []*calendar.Attendee{{Email: "alice@example.com", PartStat: calendar.PartStatAccepted}},
	}
	data, err := ics.Encode("REPLY", []*calendar.Event{ev}, "-//test//EN")
	require.NoError(t, err)

	raw, msgID, err := Compose(&Outgoing{
		From:      "alice@example.com",
		FromName:  "Alice Ärger",
		To:        []string{"bob@example.com"},
		Subject:   "Accepted: Review",
		Text:      "Alice has accepted.",
		Method:    "REPLY",
		Calendar:  data,
		InReplyTo: "<inv-1@example.com>",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(msgID, "@example.com>"))
	assert.Contains(t, string(raw), "In-Reply-To: <inv-1@example.com>")
	assert.Contains(t, string(raw), "invite.ics")

	env, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "REPLY", env.Method)
	assert.Equal(t, "alice@example.com", env.From)
	assert.Equal(t, "Alice has accepted.", env.Comment)
	require.Len(t, env.Calendar.Events, 1)
	assert.Equal(t, calendar.PartStatAccepted, env.Calendar.Events[0].Attendees[0].PartStat)
}

func TestComposeRequiresRecipients(t *testing.T) {
	_, _, err := Compose(&Outgoing{From: "a@example.com"})
	assert.Error(t, err)
}
