package itip

import (
	"context"

	"github.com/migadu/soracal/calendar"
)

// AddAnalyzer handles ADD: new occurrences for an existing series.
type AddAnalyzer struct {
	base
}

func (d *AddAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := d.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}
	if series == nil || series.Master == nil {
		// The receiver has to ask the organizer for the full series first.
		a.Annotate(AnnAddUnknownSeries, summaryOf(msg.Events[0]))
		a.AddAction(ActionRefresh, ActionIgnore)
		return a, nil
	}

	var conflicts bool
	for _, ev := range msg.Events {
		added := ev
		if !added.IsException() {
			// Added instances are exceptions of the stored master.
			added = ev.Clone()
			added.RecurrenceID = ev.Start
		}
		current := series.Find(added.RecurrenceID)
		c := &Change{Type: ChangeCreate, New: added, Current: current, Master: series.Master, IsException: true}
		if current != nil {
			if outdated(added, current) {
				c.Type = ChangeUpdate
				c.Annotate(AnnOutdated, summaryOf(added))
				a.Changes = append(a.Changes, c)
				continue
			}
			c.Type = ChangeUpdate
			c.Diff = Compare(current, added)
		}
		found, err := d.conflicts.Find(ctx, p, added)
		if err != nil {
			return nil, err
		}
		c.Conflicts = found
		conflicts = conflicts || len(found) > 0
		a.Changes = append(a.Changes, c)
	}

	if n := len(a.Conflicts()); n > 0 {
		a.Annotate(AnnConflicts, n)
	}
	if p.IsOrganizerOf(series.Master) {
		a.Annotate(AnnOwnEvent, summaryOf(series.Master))
		a.AddAction(ActionIgnore)
		return a, nil
	}
	if p.AttendeeIn(series.Master) == nil {
		a.Annotate(AnnNotInvited, summaryOf(series.Master))
	}
	attendeeActions(a, conflicts)
	return a, nil
}
