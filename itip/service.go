package itip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
)

// Options tune the analyzers.
type Options struct {
	// ConflictHorizon bounds how far into the future series are checked
	// for conflicts.
	ConflictHorizon time.Duration
	// MaxOccurrences caps recurrence expansion.
	MaxOccurrences int
	Now            func() time.Time
}

const (
	DefaultConflictHorizon = 365 * 24 * time.Hour
	DefaultMaxOccurrences  = 1000
)

// base carries what every analyzer needs.
type base struct {
	store     calendar.Provider
	conflicts *ConflictChecker
}

// series loads the stored series for uid; unknown UIDs yield nil.
func (b *base) series(ctx context.Context, p calendar.Principal, uid string) (*calendar.Series, error) {
	s, err := b.store.Get(ctx, p, uid)
	if errors.Is(err, consts.ErrEventNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", uid, err)
	}
	return s, nil
}

// AnalyzerService dispatches messages to the analyzer of their method.
type AnalyzerService struct {
	analyzers map[Method]Analyzer
	checker   *ConflictChecker
}

func NewAnalyzerService(store calendar.Provider, opts Options) *AnalyzerService {
	if opts.ConflictHorizon <= 0 {
		opts.ConflictHorizon = DefaultConflictHorizon
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}
	checker := NewConflictChecker(store, opts.ConflictHorizon, opts.MaxOccurrences, opts.Now)
	b := base{store: store, conflicts: checker}

	update := &UpdateAnalyzer{base: b}
	return &AnalyzerService{
		checker: checker,
		analyzers: map[Method]Analyzer{
			MethodRequest:        update,
			MethodPublish:        update,
			MethodCounter:        update,
			MethodReply:          &ReplyAnalyzer{base: b},
			MethodCancel:         &CancelAnalyzer{base: b},
			MethodAdd:            &AddAnalyzer{base: b},
			MethodRefresh:        &RefreshAnalyzer{base: b},
			MethodDeclineCounter: &DeclineCounterAnalyzer{base: b},
		},
	}
}

// Conflicts exposes the checker used by the analyzers.
func (s *AnalyzerService) Conflicts() *ConflictChecker { return s.checker }

// Analyze validates msg and runs the analyzer registered for its method.
func (s *AnalyzerService) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	if len(msg.Events) == 0 {
		return nil, fmt.Errorf("%w: no events", consts.ErrMalformedMessage)
	}
	uid := msg.UID()
	for _, ev := range msg.Events {
		if ev.UID != uid {
			return nil, fmt.Errorf("%w: mixed UIDs %q and %q", consts.ErrMalformedMessage, uid, ev.UID)
		}
	}
	an, ok := s.analyzers[msg.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownMethod, msg.Method)
	}

	result, err := an.Analyze(ctx, msg, p)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues(string(msg.Method), "error").Inc()
		return nil, err
	}
	if len(result.Actions) == 0 {
		result.AddAction(ActionIgnore)
	}

	metrics.AnalysesTotal.WithLabelValues(string(msg.Method), outcome(result)).Inc()
	for _, a := range result.Annotations {
		metrics.AnnotationsTotal.WithLabelValues(a.Key).Inc()
	}
	for _, c := range result.Changes {
		for _, a := range c.Annotations {
			metrics.AnnotationsTotal.WithLabelValues(a.Key).Inc()
		}
	}
	logger.Debug("ITIP: analyzed message", "uid", uid, "method", msg.Method,
		"account_id", p.AccountID, "changes", len(result.Changes), "actions", result.Actions)
	return result, nil
}

func outcome(a *Analysis) string {
	if len(a.Actions) == 1 && a.Actions[0] == ActionIgnore {
		return "ignore"
	}
	if len(a.Changes) == 0 {
		return "none"
	}
	return strings.ToLower(string(a.Changes[0].Type))
}

// attendeeActions offers the responses available to an invited attendee.
func attendeeActions(a *Analysis, conflicts bool) {
	if conflicts {
		a.AddAction(ActionAcceptAndIgnoreConflicts)
	} else {
		a.AddAction(ActionAccept)
	}
	a.AddAction(ActionDecline, ActionTentative, ActionDelegate, ActionCounter)
}

func summaryOf(ev *calendar.Event) string {
	if ev == nil {
		return ""
	}
	if ev.Summary != "" {
		return ev.Summary
	}
	return ev.UID
}

func formatRecurrenceID(ev *calendar.Event) string {
	if ev.AllDay {
		return ev.RecurrenceID.Format("2006-01-02")
	}
	return ev.RecurrenceID.UTC().Format(time.RFC3339)
}
