package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/spamc"
	"github.com/stretchr/testify/assert"
)

func TestWriteMethodReport(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeMethodReport(&buf, []db.MethodCount{
		{Method: "REQUEST", Total: 12345, Pending: 12, Auto: 0, Last: now.Add(-2 * time.Hour)},
		{Method: "REPLY", Total: 800, Pending: 0, Auto: 800, Last: now.Add(-3 * 24 * time.Hour)},
	}, now)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "METHOD")
	assert.Contains(t, lines[1], "12,345")
	assert.Contains(t, lines[1], "2 hours ago")
	assert.Contains(t, lines[2], "3 days ago")
	assert.Contains(t, lines[3], "13,145")
}

func TestWriteReportsEmpty(t *testing.T) {
	var buf bytes.Buffer
	writeMethodReport(&buf, nil, time.Now())
	writeOrganizerReport(&buf, nil)
	writePendingReport(&buf, nil, time.Now())
	writeAccountReport(&buf, nil)
	assert.Equal(t, "No messages in period.\nNo organizers in period.\nNo pending analyses.\nNo accounts.\n", buf.String())
}

func TestWriteOrganizerReport(t *testing.T) {
	var buf bytes.Buffer
	writeOrganizerReport(&buf, []db.OrganizerCount{
		{Organizer: "boss@example.org", Messages: 1500, Events: 40, Accounts: 3},
		{Organizer: "hr@example.org", Messages: 20, Events: 2, Accounts: 9},
	})
	out := buf.String()
	assert.Contains(t, out, "1st")
	assert.Contains(t, out, "2nd")
	assert.Contains(t, out, "1,500")
}

func TestWritePendingReport(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writePendingReport(&buf, []db.PendingSummary{{
		ID:         42,
		Email:      "alice@example.com",
		Method:     "REQUEST",
		Sender:     "bob@example.org",
		Subject:    strings.Repeat("x", 60),
		Actions:    []string{"ACCEPT", "DECLINE"},
		ReceivedAt: now.Add(-48 * time.Hour),
	}}, now)
	out := buf.String()
	assert.Contains(t, out, "ACCEPT,DECLINE")
	assert.Contains(t, out, strings.Repeat("x", 39)+"…")
	assert.NotContains(t, out, strings.Repeat("x", 41))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "Bespre…", truncate("Besprechung", 7))
}

func TestWriteSpamReport(t *testing.T) {
	var buf bytes.Buffer
	writeSpamReport(&buf, &spamc.Result{
		Spam:      true,
		Score:     7.3,
		Threshold: 5,
		Rules:     []spamc.Rule{{Points: 3.5, Name: "BAYES_99", Description: "Bayes spam probability is 99 to 100%"}},
	})
	out := buf.String()
	assert.Contains(t, out, "Verdict: SPAM (score 7.3 / threshold 5.0)")
	assert.Contains(t, out, "BAYES_99")
}

func TestRetentionLabel(t *testing.T) {
	assert.Equal(t, "never", retentionLabel(0))
	assert.Equal(t, "90d", retentionLabel(90*24*time.Hour))
	assert.Equal(t, "36h0m0s", retentionLabel(36*time.Hour))
}
