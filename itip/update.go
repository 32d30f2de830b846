package itip

import (
	"context"

	"github.com/migadu/soracal/calendar"
)

// UpdateAnalyzer handles REQUEST, PUBLISH and COUNTER: messages carrying a
// (possibly new) version of an appointment.
type UpdateAnalyzer struct {
	base
}

func (u *UpdateAnalyzer) Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error) {
	a := newAnalysis(msg)
	series, err := u.series(ctx, p, msg.UID())
	if err != nil {
		return nil, err
	}

	var (
		active       []*Change
		conflicts    bool
		uidConflict  bool
		rescheduling bool
	)
	for _, ev := range msg.Events {
		current, master := lookup(series, ev)
		c := &Change{New: ev, Current: current, Master: master, IsException: ev.IsException()}
		a.Changes = append(a.Changes, c)

		reference := current
		if reference == nil && master != nil {
			reference = master
		}
		if outdated(ev, reference) {
			c.Type = ChangeUpdate
			c.Annotate(AnnOutdated, summaryOf(ev))
			continue
		}

		switch {
		case current != nil:
			c.Type = ChangeUpdate
			c.Diff = Compare(current, ev)
		case master != nil:
			c.Type = ChangeCreate
			c.Diff = Compare(calendar.OccurrenceOf(master, ev.RecurrenceID), ev)
			c.Annotate(AnnNewException, formatRecurrenceID(ev))
			if !calendar.IsValidOccurrence(master, ev.RecurrenceID) {
				c.Annotate(AnnInvalidRecurrenceID, formatRecurrenceID(ev), summaryOf(master))
			}
		default:
			c.Type = ChangeCreate
		}

		if stored := series.Base(); stored != nil && ev.Organizer != nil && stored.Organizer != nil &&
			organizerOf(stored) != organizerOf(ev) {
			c.Annotate(AnnUIDConflict, stored.Organizer.Email)
			uidConflict = true
		}

		if c.Type == ChangeCreate || c.Diff.IsRescheduling() {
			found, err := u.conflicts.Find(ctx, p, ev)
			if err != nil {
				return nil, err
			}
			c.Conflicts = found
			conflicts = conflicts || len(found) > 0
		}
		rescheduling = rescheduling || (c.Type == ChangeUpdate && c.Diff.IsRescheduling())
		active = append(active, c)
	}

	if len(active) == 0 {
		a.Annotate(AnnOutdated, summaryOf(msg.Events[0]))
		a.AddAction(ActionIgnore)
		return a, nil
	}
	if n := len(a.Conflicts()); n > 0 {
		a.Annotate(AnnConflicts, n)
	}
	if rescheduling {
		a.Annotate(AnnRescheduled, summaryOf(active[0].New))
	}

	switch msg.Method {
	case MethodPublish:
		u.publish(a, active, p)
	case MethodCounter:
		u.counter(a, active, p, msg)
	default:
		u.request(a, active, p, msg, conflicts, uidConflict)
	}
	return a, nil
}

func (u *UpdateAnalyzer) request(a *Analysis, active []*Change, p calendar.Principal, msg *Message, conflicts, uidConflict bool) {
	ev := active[0].New
	if p.IsOrganizerOf(ev) {
		a.Annotate(AnnOwnEvent, summaryOf(ev))
		a.AddAction(ActionIgnore)
		return
	}
	if uidConflict {
		a.AddAction(ActionAcceptAndReplace, ActionIgnore)
		return
	}
	if msg.Sender != "" && ev.Organizer != nil && !ev.IsOrganizedBy(msg.Sender) {
		a.Annotate(AnnSenderNotOrganizer, msg.Sender, ev.Organizer.Email)
	}

	me := p.AttendeeIn(ev)
	if me == nil {
		a.Annotate(AnnNotInvited, summaryOf(ev))
		if conflicts {
			a.AddAction(ActionAcceptAndIgnoreConflicts)
		} else {
			a.AddAction(ActionAccept)
		}
		a.AddAction(ActionDecline, ActionTentative)
		return
	}

	// An update that only carries other participants' responses needs no
	// decision from the principal.
	if othersStateOnly(active, p) {
		a.Annotate(AnnStateChangesOnly, summaryOf(ev))
		a.AddAction(ActionUpdate, ActionIgnore)
		return
	}

	attendeeActions(a, conflicts)
	if answered(active, p) && detailsOnly(active) {
		a.AddAction(ActionUpdate)
	}
}

func (u *UpdateAnalyzer) publish(a *Analysis, active []*Change, p calendar.Principal) {
	ev := active[0].New
	if p.IsOrganizerOf(ev) {
		a.Annotate(AnnOwnEvent, summaryOf(ev))
		a.AddAction(ActionIgnore)
		return
	}
	a.Annotate(AnnPublished, summaryOf(ev))
	for _, c := range active {
		if c.Type == ChangeCreate {
			a.AddAction(ActionCreate)
		} else if !c.Diff.IsEmpty() {
			a.AddAction(ActionUpdate)
		}
	}
	a.AddAction(ActionIgnore)
}

// counter handles an attendee's proposal; only the organizer may act on it.
func (u *UpdateAnalyzer) counter(a *Analysis, active []*Change, p calendar.Principal, msg *Message) {
	c := active[0]
	stored := c.Current
	if stored == nil {
		stored = c.Master
	}
	if stored == nil {
		a.Annotate(AnnEventNotFound, summaryOf(c.New))
		a.AddAction(ActionIgnore)
		return
	}
	if !p.IsOrganizerOf(stored) {
		a.Annotate(AnnCounterNotOrganizer, msg.Sender, summaryOf(stored))
		a.AddAction(ActionIgnore)
		return
	}
	for _, ch := range active {
		// A proposal never creates anything by itself; it modifies the
		// stored appointment or occurrence.
		ch.Type = ChangeUpdate
	}
	a.Annotate(AnnCounterProposal, msg.Sender, summaryOf(stored))
	a.AddAction(ActionUpdate, ActionDeclineCounter)
}

func othersStateOnly(active []*Change, p calendar.Principal) bool {
	for _, c := range active {
		if c.Type != ChangeUpdate || !c.Diff.IsAboutStateChangesOnly() {
			return false
		}
		for _, ac := range c.Diff.Attendees.Changed {
			if p.Is(ac.Email) {
				return false
			}
		}
	}
	return true
}

func detailsOnly(active []*Change) bool {
	for _, c := range active {
		if c.Type != ChangeUpdate || !c.Diff.IsAboutDetailChangesOnly() {
			return false
		}
	}
	return true
}

// answered reports whether the principal already accepted every stored
// counterpart.
func answered(active []*Change, p calendar.Principal) bool {
	for _, c := range active {
		me := p.AttendeeIn(c.Current)
		if me == nil || (me.PartStat != calendar.PartStatAccepted && me.PartStat != calendar.PartStatTentative) {
			return false
		}
	}
	return true
}
