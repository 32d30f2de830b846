// Package processor runs inbound scheduling mail through the iTIP pipeline:
// duplicate suppression, spam screening, extraction, archiving, analysis,
// inbox persistence and optional auto-apply. LMTP delivery, the HTTP API and
// the IMAP importer all feed messages through Process.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/spamc"
)

// Deduper remembers which messages an account has already seen.
type Deduper interface {
	Claim(ctx context.Context, accountID int64, messageID, contentHash string) (bool, error)
	Release(ctx context.Context, accountID int64, messageID, contentHash string) error
}

type SpamChecker interface {
	Check(ctx context.Context, raw []byte) (*spamc.Result, error)
}

type Archiver interface {
	Archive(ctx context.Context, email string, raw []byte) (string, error)
}

// Inbox persists analyzed messages.
type Inbox interface {
	InsertInboxEntry(ctx context.Context, e *db.InboxEntry) (int64, error)
	SupersedePending(ctx context.Context, accountID int64, uid string, keepID int64) (int64, error)
	MarkApplied(ctx context.Context, accountID, id int64, action itip.Action, mode string) error
}

type Performer interface {
	Perform(ctx context.Context, p calendar.Principal, a *itip.Analysis, action itip.Action, opts itip.PerformOptions) (*itip.Result, error)
}

// Options control spam handling and which recommendations are applied
// without user interaction.
type Options struct {
	SpamThreshold float64
	RejectSpam    bool
	SpamFailOpen  bool

	AutoApplyReplies      bool
	AutoApplyCancels      bool
	AutoApplyStateUpdates bool
}

// OptionsFromConfig maps the [spamassassin] and [itip] sections.
func OptionsFromConfig(spam config.SpamAssassinConfig, it config.ITIPConfig) Options {
	return Options{
		SpamThreshold:         spam.Threshold,
		RejectSpam:            spam.Reject,
		SpamFailOpen:          spam.FailOpen,
		AutoApplyReplies:      it.AutoApplyReplies,
		AutoApplyCancels:      it.AutoApplyCancels,
		AutoApplyStateUpdates: it.AutoApplyStateUpdates,
	}
}

// Status is what happened to a processed message.
type Status string

const (
	StatusStored        Status = "stored"
	StatusApplied       Status = "applied"
	StatusDuplicate     Status = "duplicate"
	StatusSpam          Status = "spam"
	StatusNotScheduling Status = "not_scheduling"
)

// Outcome reports the result of Process.
type Outcome struct {
	Status    Status         `json:"status"`
	EntryID   int64          `json:"entry_id,omitempty"`
	S3Key     string         `json:"s3_key,omitempty"`
	SpamScore *float64       `json:"spam_score,omitempty"`
	Analysis  *itip.Analysis `json:"analysis,omitempty"`
	Applied   itip.Action    `json:"applied,omitempty"`
	// Superseded counts older pending entries of the same UID closed by this message.
	Superseded int64 `json:"superseded,omitempty"`
}

type Processor struct {
	analyzer  itip.Analyzer
	performer Performer
	inbox     Inbox
	dedup     Deduper
	spam      SpamChecker
	archive   Archiver
	opts      Options
}

// New wires a Processor. dedup, spam, archive and performer may be nil to
// disable the corresponding stage.
func New(analyzer itip.Analyzer, inbox Inbox, performer Performer, dedup Deduper, spam SpamChecker, archive Archiver, opts Options) *Processor {
	return &Processor{
		analyzer:  analyzer,
		performer: performer,
		inbox:     inbox,
		dedup:     dedup,
		spam:      spam,
		archive:   archive,
		opts:      opts,
	}
}

// Analyze extracts the scheduling object from raw and analyzes it for p
// without storing anything.
func (pr *Processor) Analyze(ctx context.Context, p calendar.Principal, raw []byte) (*itip.Analysis, *mailcal.Envelope, error) {
	env, err := mailcal.Extract(raw)
	if err != nil {
		return nil, nil, err
	}
	method, err := itip.ParseMethod(env.Method)
	if err != nil {
		return nil, env, err
	}
	msg := &itip.Message{
		Method:    method,
		Sender:    env.Originator(),
		MessageID: env.MessageID,
		Comment:   env.Comment,
		Events:    env.Calendar.Events,
	}
	analysis, err := pr.analyzer.Analyze(ctx, msg, p)
	if err != nil {
		return nil, env, err
	}
	return analysis, env, nil
}

// Process runs raw through the pipeline for p. source labels metrics
// ("lmtp", "http", "import"). Messages without a calendar part are accepted
// and ignored. A failed run releases the duplicate claim so a redelivery is
// processed again.
func (pr *Processor) Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (out *Outcome, err error) {
	start := time.Now()
	hash := helpers.HashContent(raw)
	messageID := headerMessageID(raw)

	if pr.dedup != nil {
		fresh, cerr := pr.dedup.Claim(ctx, p.AccountID, messageID, hash)
		if cerr != nil {
			logger.Warn("PROCESSOR: duplicate check failed, processing anyway", "account_id", p.AccountID, "error", cerr)
		} else if !fresh {
			logger.Info("PROCESSOR: duplicate message skipped", "account_id", p.AccountID, "message_id", messageID)
			return &Outcome{Status: StatusDuplicate}, nil
		}
		defer func() {
			if err == nil || errors.Is(err, consts.ErrSpamRejected) {
				return
			}
			if rerr := pr.dedup.Release(context.WithoutCancel(ctx), p.AccountID, messageID, hash); rerr != nil {
				logger.Warn("PROCESSOR: failed to release duplicate claim", "account_id", p.AccountID, "error", rerr)
			}
		}()
	}

	out = &Outcome{}
	if pr.spam != nil {
		spam, score, err := pr.checkSpam(ctx, raw)
		if err != nil {
			return nil, err
		}
		out.SpamScore = score
		if spam {
			metrics.MessagesRejected.WithLabelValues("spam").Inc()
			logger.Info("PROCESSOR: spam message", "account_id", p.AccountID, "message_id", messageID, "score", *score)
			if pr.opts.RejectSpam {
				return nil, consts.ErrSpamRejected
			}
			out.Status = StatusSpam
			return out, nil
		}
	}

	analysis, env, err := pr.Analyze(ctx, p, raw)
	switch {
	case errors.Is(err, consts.ErrNoCalendarPart):
		metrics.MessagesRejected.WithLabelValues("no_calendar").Inc()
		logger.Debug("PROCESSOR: no calendar part", "account_id", p.AccountID, "message_id", messageID)
		out.Status = StatusNotScheduling
		return out, nil
	case errors.Is(err, consts.ErrMalformedMessage), errors.Is(err, consts.ErrUnknownMethod):
		metrics.MessagesRejected.WithLabelValues("malformed").Inc()
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	method := string(analysis.Method)
	metrics.MessagesReceived.WithLabelValues(method, source).Inc()
	defer func() {
		metrics.ProcessingDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if pr.archive != nil {
		key, aerr := pr.archive.Archive(ctx, p.Email, raw)
		if aerr != nil {
			logger.Warn("PROCESSOR: archiving failed, continuing without raw copy", "account_id", p.AccountID, "error", aerr)
		}
		out.S3Key = key
	}

	entry := &db.InboxEntry{
		AccountID: p.AccountID,
		MessageID: env.MessageID,
		UID:       analysis.UID,
		Method:    method,
		Sender:    env.Originator(),
		Organizer: organizerOf(env.Calendar.Events),
		Subject:   env.Subject,
		S3Key:     out.S3Key,
		SpamScore: out.SpamScore,
		Analysis:  analysis,
	}
	if entry.MessageID == "" {
		entry.MessageID = "hash:" + hash
	}
	id, err := pr.inbox.InsertInboxEntry(ctx, entry)
	if errors.Is(err, consts.ErrDuplicateMessage) {
		metrics.MessagesRejected.WithLabelValues("duplicate").Inc()
		return &Outcome{Status: StatusDuplicate}, nil
	}
	if err != nil {
		return nil, err
	}
	out.Status = StatusStored
	out.EntryID = id
	out.Analysis = analysis

	// A newer organizer message replaces older undecided ones; replies from
	// different attendees stay independent.
	if supersedes(analysis.Method) {
		n, serr := pr.inbox.SupersedePending(ctx, p.AccountID, analysis.UID, id)
		if serr != nil {
			logger.Warn("PROCESSOR: failed to supersede pending entries", "uid", analysis.UID, "error", serr)
		}
		out.Superseded = n
	}

	if action, ok := pr.autoAction(analysis); ok {
		pr.apply(ctx, p, analysis, id, action, out)
	}

	logger.Info("PROCESSOR: message processed", "account_id", p.AccountID, "source", source,
		"method", method, "uid", analysis.UID, "entry_id", id, "status", out.Status, "actions", analysis.Actions)
	return out, nil
}

func (pr *Processor) checkSpam(ctx context.Context, raw []byte) (bool, *float64, error) {
	res, err := pr.spam.Check(ctx, raw)
	if err != nil {
		metrics.SpamChecks.WithLabelValues("error").Inc()
		if pr.opts.SpamFailOpen {
			logger.Warn("PROCESSOR: spam check failed, accepting message", "error", err)
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("spam check failed: %w", err)
	}
	score := res.Score
	if res.IsSpam(pr.opts.SpamThreshold) {
		metrics.SpamChecks.WithLabelValues("spam").Inc()
		return true, &score, nil
	}
	metrics.SpamChecks.WithLabelValues("ham").Inc()
	return false, &score, nil
}

// autoAction picks the recommendation applied without user interaction, if any.
func (pr *Processor) autoAction(a *itip.Analysis) (itip.Action, bool) {
	if pr.performer == nil {
		return "", false
	}
	switch a.Method {
	case itip.MethodReply:
		if pr.opts.AutoApplyReplies && a.HasAction(itip.ActionApplyResponse) && !a.HasAnnotation(itip.AnnReplyOutdated) {
			return itip.ActionApplyResponse, true
		}
	case itip.MethodCancel:
		if pr.opts.AutoApplyCancels && a.HasAction(itip.ActionDelete) && !a.HasAnnotation(itip.AnnCancelNotFromOrganizer) {
			return itip.ActionDelete, true
		}
	case itip.MethodRequest:
		if pr.opts.AutoApplyStateUpdates && a.HasAction(itip.ActionUpdate) && a.HasAnnotation(itip.AnnStateChangesOnly) {
			return itip.ActionUpdate, true
		}
	}
	return "", false
}

// apply performs action and records it on the inbox entry. Failures leave
// the entry pending for the user.
func (pr *Processor) apply(ctx context.Context, p calendar.Principal, a *itip.Analysis, id int64, action itip.Action, out *Outcome) {
	if _, err := pr.performer.Perform(ctx, p, a, action, itip.PerformOptions{Auto: true}); err != nil {
		logger.Warn("PROCESSOR: auto-apply failed", "uid", a.UID, "action", action, "error", err)
		return
	}
	if err := pr.inbox.MarkApplied(ctx, p.AccountID, id, action, "auto"); err != nil {
		logger.Warn("PROCESSOR: failed to mark entry applied", "entry_id", id, "error", err)
	}
	out.Status = StatusApplied
	out.Applied = action
}

// supersedes reports whether m replaces earlier organizer messages for the
// same UID. PUBLISH is unsolicited and leaves pending invitations alone.
func supersedes(m itip.Method) bool {
	switch m {
	case itip.MethodRequest, itip.MethodCancel, itip.MethodAdd:
		return true
	}
	return false
}

func organizerOf(events []*calendar.Event) string {
	for _, ev := range events {
		if ev.Organizer != nil {
			return helpers.NormalizeCalAddress(ev.Organizer.Email)
		}
	}
	return ""
}

// headerMessageID reads the Message-ID without parsing the body.
func headerMessageID(raw []byte) string {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	h := mail.Header{Header: entity.Header}
	id, _ := h.MessageID()
	return id
}
