package itip

import (
	"context"

	"github.com/migadu/soracal/calendar"
)

// CancelAnalyzer handles cancellations of whole series or single occurrences.
type CancelAnalyzer struct {
	base
}

func (c *CancelAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := c.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}
	if series == nil {
		a.Annotate(AnnCancelUnknown, summaryOf(msg.Events[0]))
		a.AddAction(ActionIgnore)
		return a, nil
	}

	stored := series.Base()
	if p.IsOrganizerOf(stored) {
		a.Annotate(AnnOwnEvent, summaryOf(stored))
		a.AddAction(ActionIgnore)
		return a, nil
	}
	if msg.Sender != "" && stored.Organizer != nil && !stored.IsOrganizedBy(msg.Sender) {
		a.Annotate(AnnCancelNotFromOrganizer, msg.Sender, stored.Organizer.Email)
	}

	for _, ev := range msg.Events {
		current := series.Find(ev.RecurrenceID)
		ch := &Change{New: ev, Current: current, IsException: ev.IsException()}

		switch {
		case !ev.IsException():
			if current == nil {
				// Only occurrences are stored: drop all of them.
				current = stored
				ch.Current = stored
			}
			ch.Type = ChangeDelete
		case series.Master != nil:
			ch.Type = ChangeCreateDeleteException
			ch.Master = series.Master
			ch.Annotate(AnnCancelOccurrence, formatRecurrenceID(ev), summaryOf(series.Master))
			if current == nil {
				current = series.Master
			}
		case current != nil:
			ch.Type = ChangeDelete
		default:
			a.Annotate(AnnCancelUnknown, summaryOf(ev))
			continue
		}

		if outdated(ev, current) {
			ch.Annotate(AnnOutdated, summaryOf(ev))
			a.Changes = append(a.Changes, ch)
			continue
		}
		a.Changes = append(a.Changes, ch)
		a.AddAction(ActionDelete)
	}

	a.AddAction(ActionIgnore)
	return a, nil
}
