package itip

import (
	"context"

	"github.com/migadu/soracal/calendar"
)

// RefreshAnalyzer handles an attendee asking the organizer for the current
// version of an appointment.
type RefreshAnalyzer struct {
	base
}

func (r *RefreshAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := r.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}
	ev := msg.Events[0]
	stored := series.Find(ev.RecurrenceID)
	if stored == nil {
		stored = series.Base()
	}

	switch {
	case stored == nil:
		a.Annotate(AnnRefreshUnknown, msg.Sender, summaryOf(ev))
		a.AddAction(ActionIgnore)
	case !p.IsOrganizerOf(stored):
		a.Annotate(AnnRefreshNotOrganizer, msg.Sender, summaryOf(stored))
		a.AddAction(ActionIgnore)
	default:
		a.Changes = append(a.Changes, &Change{Type: ChangeUpdate, Current: stored, New: ev, IsException: ev.IsException()})
		a.AddAction(ActionSendAppointment, ActionIgnore)
	}
	return a, nil
}

// DeclineCounterAnalyzer handles an organizer rejecting the principal's
// counter proposal.
type DeclineCounterAnalyzer struct {
	base
}

func (d *DeclineCounterAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := d.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}
	ev := msg.Events[0]
	if series == nil {
		a.Annotate(AnnEventNotFound, summaryOf(ev))
		a.AddAction(ActionIgnore)
		return a, nil
	}
	stored := series.Find(ev.RecurrenceID)
	if stored == nil {
		stored = series.Base()
	}
	a.Changes = append(a.Changes, &Change{Type: ChangeUpdate, Current: stored, New: ev, IsException: ev.IsException()})
	a.Annotate(AnnCounterDeclined, summaryOf(stored))
	a.AddAction(ActionRefresh, ActionIgnore)
	return a, nil
}
