package itip

import (
	"context"
	"strings"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/helpers"
)

// ReplyAnalyzer handles attendee responses arriving at the organizer.
type ReplyAnalyzer struct {
	base
}

func (r *ReplyAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := r.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}
	if series == nil {
		a.Annotate(AnnEventNotFound, summaryOf(msg.Events[0]))
		a.AddAction(ActionIgnore)
		return a, nil
	}

	for _, ev := range msg.Events {
		replier := replyingAttendee(ev, msg.Sender)
		if replier == nil {
			continue
		}
		current, master := lookup(series, ev)
		stored := current
		if stored == nil && master != nil {
			stored = calendar.OccurrenceOf(master, ev.RecurrenceID)
		}
		if stored == nil {
			a.Annotate(AnnEventNotFound, summaryOf(ev))
			continue
		}
		if !p.IsOrganizerOf(stored) {
			a.Annotate(AnnNotOrganizer, replier.Email, summaryOf(stored))
			continue
		}

		c := &Change{
			Type:        ChangeReply,
			Current:     current,
			New:         ev,
			Master:      master,
			IsException: ev.IsException(),
		}
		a.Changes = append(a.Changes, c)

		known := stored.FindAttendee(replier.Email)
		if known == nil {
			c.Diff = &Diff{Attendees: AttendeeDiff{Added: []*calendar.Attendee{replier}}}
			c.Annotate(AnnPartyCrasher, replier.Email, summaryOf(stored))
			a.AddAction(ActionAcceptPartyCrasher)
			continue
		}

		var changed []string
		for _, f := range attendeeFieldsChanged(known, replier) {
			if f == "partstat" || f == "delegated_to" {
				changed = append(changed, f)
			}
		}
		if len(changed) == 0 {
			c.Annotate(AnnReplyAlreadyApplied, replier.Email)
			continue
		}
		c.Diff = &Diff{Attendees: AttendeeDiff{Changed: []AttendeeChange{{
			Email:  helpers.NormalizeCalAddress(replier.Email),
			Old:    known,
			New:    replier,
			Fields: changed,
		}}}}
		annotateResponse(c, replier, stored)
		if ev.Sequence < stored.Sequence {
			// A stale partstat is shown but never applied.
			c.Annotate(AnnReplyOutdated, replier.Email, summaryOf(stored))
			continue
		}
		a.AddAction(ActionApplyResponse)
	}

	a.AddAction(ActionIgnore)
	return a, nil
}

// replyingAttendee picks the attendee a REPLY speaks for: the only one
// listed, or the one matching the sender.
func replyingAttendee(ev *calendar.Event, sender string) *calendar.Attendee {
	if len(ev.Attendees) == 1 {
		return ev.Attendees[0]
	}
	if sender == "" {
		return nil
	}
	return ev.FindAttendee(sender)
}

func annotateResponse(c *Change, replier *calendar.Attendee, stored *calendar.Event) {
	who := replier.Email
	if replier.CommonName != "" {
		who = replier.CommonName
	}
	switch partStatOf(replier) {
	case calendar.PartStatAccepted:
		c.Annotate(AnnReplyAccepted, who, summaryOf(stored))
	case calendar.PartStatDeclined:
		c.Annotate(AnnReplyDeclined, who, summaryOf(stored))
	case calendar.PartStatTentative:
		c.Annotate(AnnReplyTentative, who, summaryOf(stored))
	case calendar.PartStatDelegated:
		c.Annotate(AnnReplyDelegated, who, summaryOf(stored), strings.Join(replier.DelegatedTo, ", "))
	default:
		c.Annotate(AnnReplyNeedsAction, who, summaryOf(stored))
	}
}
