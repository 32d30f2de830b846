package itip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
)

// Outgoing is a scheduling message the Performer wants delivered.
type Outgoing struct {
	Method    Method
	From      string
	FromName  string
	To        []string
	Subject   string
	Text      string
	InReplyTo string
	Events    []*calendar.Event
}

// Sender delivers outgoing scheduling messages.
type Sender interface {
	Send(ctx context.Context, out *Outgoing) error
}

type PerformOptions struct {
	// Comment is passed on to the other party.
	Comment string
	// DelegateTo is required for DELEGATE.
	DelegateTo string
	// Proposal is required for COUNTER.
	Proposal *calendar.Event
	// Auto marks actions applied without user interaction.
	Auto bool
}

// Result reports what Perform did.
type Result struct {
	Action  Action            `json:"action"`
	Saved   []*calendar.Event `json:"saved,omitempty"`
	Deleted []string          `json:"deleted,omitempty"`
	Sent    []*Outgoing       `json:"sent,omitempty"`
}

// Performer applies actions recommended by an Analysis.
type Performer struct {
	store  calendar.Provider
	sender Sender
	now    func() time.Time
}

// NewPerformer returns a Performer writing to store. A nil sender disables
// outgoing mail.
func NewPerformer(store calendar.Provider, sender Sender) *Performer {
	return &Performer{store: store, sender: sender, now: time.Now}
}

// Perform applies action to the principal's calendar and sends the resulting
// scheduling messages.
func (pf *Performer) Perform(ctx context.Context, p calendar.Principal, a *Analysis, action Action, opts PerformOptions) (*Result, error) {
	mode := "manual"
	if opts.Auto {
		mode = "auto"
	}
	if !a.HasAction(action) {
		metrics.ActionsPerformed.WithLabelValues(string(action), mode, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s not offered for %s %s", consts.ErrActionNotAllowed, action, a.Method, a.UID)
	}

	res := &Result{Action: action}
	var err error
	switch action {
	case ActionAccept, ActionAcceptAndIgnoreConflicts:
		err = pf.respond(ctx, p, a, calendar.PartStatAccepted, opts, res)
	case ActionTentative:
		err = pf.respond(ctx, p, a, calendar.PartStatTentative, opts, res)
	case ActionDecline:
		err = pf.respond(ctx, p, a, calendar.PartStatDeclined, opts, res)
	case ActionDelegate:
		if opts.DelegateTo == "" {
			return nil, fmt.Errorf("delegate requires a delegate address")
		}
		err = pf.respond(ctx, p, a, calendar.PartStatDelegated, opts, res)
	case ActionAcceptAndReplace:
		if err = pf.store.Delete(ctx, p, a.UID, time.Time{}); err != nil && !errors.Is(err, consts.ErrEventNotFound) {
			break
		}
		res.Deleted = append(res.Deleted, a.UID)
		err = pf.respond(ctx, p, detached(a), calendar.PartStatAccepted, opts, res)
	case ActionCounter:
		err = pf.counter(ctx, p, a, opts, res)
	case ActionUpdate:
		err = pf.update(ctx, p, a, opts, res)
	case ActionCreate:
		err = pf.create(ctx, p, a, res)
	case ActionDelete:
		err = pf.delete(ctx, p, a, res)
	case ActionAcceptPartyCrasher, ActionApplyResponse:
		err = pf.applyResponses(ctx, p, a, action == ActionAcceptPartyCrasher, res)
	case ActionDeclineCounter:
		err = pf.declineCounter(ctx, p, a, opts, res)
	case ActionRefresh:
		err = pf.refresh(ctx, p, a, opts, res)
	case ActionSendAppointment:
		err = pf.sendAppointment(ctx, p, a, res)
	case ActionIgnore:
	}

	if err != nil {
		metrics.ActionsPerformed.WithLabelValues(string(action), mode, "error").Inc()
		return nil, err
	}
	metrics.ActionsPerformed.WithLabelValues(string(action), mode, "ok").Inc()
	logger.Info("ITIP: performed action", "action", action, "mode", mode, "uid", a.UID,
		"account_id", p.AccountID, "saved", len(res.Saved), "sent", len(res.Sent))
	return res, nil
}

// live returns the changes that are not outdated, including stale replies.
func live(a *Analysis) []*Change {
	var out []*Change
	for _, c := range a.Changes {
		skip := false
		for _, an := range c.Annotations {
			if an.Key == AnnOutdated || an.Key == AnnReplyOutdated {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

// detached returns a copy of a whose changes no longer refer to stored
// components, so saving creates fresh ones.
func detached(a *Analysis) *Analysis {
	cp := *a
	cp.Changes = make([]*Change, 0, len(a.Changes))
	for _, c := range a.Changes {
		dc := *c
		dc.Current, dc.Master = nil, nil
		cp.Changes = append(cp.Changes, &dc)
	}
	return &cp
}

// target returns a writable copy of the stored component a change refers
// to, materializing an occurrence of the master when no exception exists.
func target(c *Change) *calendar.Event {
	switch {
	case c.Current != nil:
		return c.Current.Clone()
	case c.Master != nil && c.New != nil && c.New.IsException():
		return calendar.OccurrenceOf(c.Master, c.New.RecurrenceID)
	}
	return nil
}

// incoming returns the new version of the component, carrying over the
// storage identity of its stored counterpart.
func incoming(c *Change) *calendar.Event {
	ev := c.New.Clone()
	ev.ID = 0
	switch {
	case c.Current != nil:
		ev.ID = c.Current.ID
		ev.Provider = c.Current.Provider
		ev.FolderID = c.Current.FolderID
	case c.Master != nil:
		ev.Provider = c.Master.Provider
		ev.FolderID = c.Master.FolderID
	default:
		ev.Provider = ""
	}
	return ev
}

func (pf *Performer) save(ctx context.Context, p calendar.Principal, ev *calendar.Event, res *Result) error {
	ev.LastModified = pf.now().UTC()
	if err := pf.store.Save(ctx, p, ev); err != nil {
		return fmt.Errorf("save %s: %w", ev.UID, err)
	}
	res.Saved = append(res.Saved, ev)
	return nil
}

func (pf *Performer) send(ctx context.Context, out *Outgoing, res *Result) error {
	if len(out.To) == 0 {
		return nil
	}
	if pf.sender == nil {
		logger.Warn("ITIP: no sender configured, dropping outgoing message", "method", out.Method, "to", out.To)
		return nil
	}
	if err := pf.sender.Send(ctx, out); err != nil {
		return fmt.Errorf("send %s: %w", out.Method, err)
	}
	res.Sent = append(res.Sent, out)
	return nil
}

func (pf *Performer) outgoing(p calendar.Principal, a *Analysis, method Method, subject string, to ...string) *Outgoing {
	return &Outgoing{
		Method:    method,
		From:      p.Email,
		FromName:  p.DisplayName,
		To:        to,
		Subject:   subject,
		InReplyTo: a.MessageID,
	}
}

// respond stores the principal's response and replies to the organizer.
func (pf *Performer) respond(ctx context.Context, p calendar.Principal, a *Analysis, ps calendar.PartStat, opts PerformOptions, res *Result) error {
	changes := live(a)
	if len(changes) == 0 {
		return fmt.Errorf("%w: nothing to respond to", consts.ErrActionNotAllowed)
	}

	var replies, delegated []*calendar.Event
	var organizer string
	for _, c := range changes {
		ev := incoming(c)
		me := p.AttendeeIn(ev)
		if me == nil {
			me = p.AsAttendee(ps)
			ev.Attendees = append(ev.Attendees, me)
		}
		me.PartStat = ps
		me.RSVP = false
		if ps == calendar.PartStatDelegated {
			me.DelegatedTo = []string{opts.DelegateTo}
			if ev.FindAttendee(opts.DelegateTo) == nil {
				ev.Attendees = append(ev.Attendees, &calendar.Attendee{
					Email:         opts.DelegateTo,
					PartStat:      calendar.PartStatNeedsAction,
					Role:          me.Role,
					RSVP:          true,
					CUType:        calendar.CUTypeIndividual,
					DelegatedFrom: []string{me.Email},
				})
			}
		}
		if err := pf.save(ctx, p, ev, res); err != nil {
			return err
		}

		reply := ev.Clone()
		reply.Attendees = []*calendar.Attendee{me.Clone()}
		reply.Comment = opts.Comment
		replies = append(replies, reply)
		delegated = append(delegated, ev.Clone())
		if ev.Organizer != nil {
			organizer = ev.Organizer.Email
		}
	}

	if organizer == "" || p.Is(organizer) {
		return nil
	}
	out := pf.outgoing(p, a, MethodReply, fmt.Sprintf("%s: %s", responseLabel(ps), summaryOf(replies[0])), organizer)
	out.Text = responseText(p, ps, summaryOf(replies[0]), opts.Comment)
	out.Events = replies
	if err := pf.send(ctx, out, res); err != nil {
		return err
	}

	if ps == calendar.PartStatDelegated {
		fwd := pf.outgoing(p, a, MethodRequest, fmt.Sprintf("Invitation: %s", summaryOf(delegated[0])), opts.DelegateTo)
		fwd.Text = fmt.Sprintf("%s has delegated %q to you.", displayName(p), summaryOf(delegated[0]))
		fwd.Events = delegated
		return pf.send(ctx, fwd, res)
	}
	return nil
}

// counter sends the principal's proposal to the organizer.
func (pf *Performer) counter(ctx context.Context, p calendar.Principal, a *Analysis, opts PerformOptions, res *Result) error {
	if opts.Proposal == nil {
		return fmt.Errorf("counter requires a proposal")
	}
	changes := live(a)
	if len(changes) == 0 {
		return fmt.Errorf("%w: nothing to counter", consts.ErrActionNotAllowed)
	}
	orig := changes[0].New
	if orig.Organizer == nil {
		return fmt.Errorf("counter: %s has no organizer", orig.UID)
	}

	prop := opts.Proposal.Clone()
	prop.UID = orig.UID
	prop.RecurrenceID = orig.RecurrenceID
	prop.Sequence = orig.Sequence
	prop.DTStamp = pf.now().UTC()
	prop.Organizer = orig.Organizer.Clone()
	me := p.AttendeeIn(orig)
	if me == nil {
		me = p.AsAttendee(calendar.PartStatTentative)
	}
	prop.Attendees = []*calendar.Attendee{me.Clone()}
	prop.Comment = opts.Comment

	out := pf.outgoing(p, a, MethodCounter, fmt.Sprintf("New time proposed: %s", summaryOf(orig)), orig.Organizer.Email)
	out.Text = fmt.Sprintf("%s proposed changes to %q.\n\n%s", displayName(p), summaryOf(orig), opts.Comment)
	out.Events = []*calendar.Event{prop}
	return pf.send(ctx, out, res)
}

func (pf *Performer) update(ctx context.Context, p calendar.Principal, a *Analysis, opts PerformOptions, res *Result) error {
	if a.Method == MethodCounter {
		return pf.acceptCounter(ctx, p, a, opts, res)
	}
	for _, c := range live(a) {
		ev := incoming(c)
		// Keep the principal's own response; an organizer update does not
		// speak for the principal.
		if mine := p.AttendeeIn(c.Current); mine != nil {
			if me := p.AttendeeIn(ev); me != nil {
				me.PartStat = mine.PartStat
				me.RSVP = mine.RSVP
				me.DelegatedTo = append([]string(nil), mine.DelegatedTo...)
			}
		}
		if err := pf.save(ctx, p, ev, res); err != nil {
			return err
		}
	}
	return nil
}

// acceptCounter applies an attendee's proposal as organizer and sends the
// updated appointment to all attendees.
func (pf *Performer) acceptCounter(ctx context.Context, p calendar.Principal, a *Analysis, opts PerformOptions, res *Result) error {
	var updated []*calendar.Event
	var recipients []string
	for _, c := range live(a) {
		ev := target(c)
		if ev == nil {
			continue
		}
		prop := c.New
		rescheduled := !ev.Start.Equal(prop.Start) || !ev.EffectiveEnd().Equal(prop.EffectiveEnd()) || ev.AllDay != prop.AllDay
		ev.Start, ev.End, ev.AllDay = prop.Start, prop.End, prop.AllDay
		if prop.TimeZone != "" {
			ev.TimeZone = prop.TimeZone
		}
		if prop.Location != "" {
			ev.Location = prop.Location
		}
		ev.Sequence++
		ev.DTStamp = pf.now().UTC()
		if rescheduled {
			for _, att := range ev.Attendees {
				if !p.Is(att.Email) {
					att.PartStat = calendar.PartStatNeedsAction
					att.RSVP = true
				}
			}
		}
		if countering := replyingAttendee(prop, a.Sender); countering != nil {
			if att := ev.FindAttendee(countering.Email); att != nil && !rescheduled {
				att.PartStat = calendar.PartStatNeedsAction
			}
		}
		if err := pf.save(ctx, p, ev, res); err != nil {
			return err
		}
		updated = append(updated, ev.Clone())
		for _, att := range ev.Attendees {
			if !p.Is(att.Email) && !containsAddr(recipients, att.Email) {
				recipients = append(recipients, att.Email)
			}
		}
	}
	if len(updated) == 0 {
		return fmt.Errorf("%w: no stored appointment for counter", consts.ErrEventNotFound)
	}

	out := pf.outgoing(p, a, MethodRequest, fmt.Sprintf("Updated invitation: %s", summaryOf(updated[0])), recipients...)
	out.Text = fmt.Sprintf("%s has updated %q.\n\n%s", displayName(p), summaryOf(updated[0]), opts.Comment)
	out.Events = updated
	return pf.send(ctx, out, res)
}

func (pf *Performer) create(ctx context.Context, p calendar.Principal, a *Analysis, res *Result) error {
	for _, c := range live(a) {
		if c.Type != ChangeCreate {
			continue
		}
		if err := pf.save(ctx, p, incoming(c), res); err != nil {
			return err
		}
	}
	return nil
}

// delete removes cancelled appointments. A cancelled occurrence of a stored
// series becomes an EXDATE of the master.
func (pf *Performer) delete(ctx context.Context, p calendar.Principal, a *Analysis, res *Result) error {
	for _, c := range live(a) {
		switch c.Type {
		case ChangeDelete:
			if err := pf.store.Delete(ctx, p, a.UID, c.New.RecurrenceID); err != nil && !errors.Is(err, consts.ErrEventNotFound) {
				return fmt.Errorf("delete %s: %w", a.UID, err)
			}
			res.Deleted = append(res.Deleted, a.UID)
		case ChangeCreateDeleteException:
			rid := c.New.RecurrenceID
			if c.Current != nil {
				if err := pf.store.Delete(ctx, p, a.UID, rid); err != nil && !errors.Is(err, consts.ErrEventNotFound) {
					return fmt.Errorf("delete occurrence of %s: %w", a.UID, err)
				}
			}
			master := c.Master.Clone()
			if !master.HasExDate(rid) {
				master.ExDates = append(master.ExDates, rid)
			}
			if err := pf.save(ctx, p, master, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyResponses records attendee replies on the organizer's copy.
func (pf *Performer) applyResponses(ctx context.Context, p calendar.Principal, a *Analysis, crashers bool, res *Result) error {
	for _, c := range live(a) {
		if c.Type != ChangeReply || c.Diff == nil {
			continue
		}
		ev := target(c)
		if ev == nil {
			continue
		}
		changed := false
		if crashers {
			for _, add := range c.Diff.Attendees.Added {
				if ev.FindAttendee(add.Email) == nil {
					ev.Attendees = append(ev.Attendees, add.Clone())
					changed = true
				}
			}
		} else {
			for _, ac := range c.Diff.Attendees.Changed {
				att := ev.FindAttendee(ac.Email)
				if att == nil {
					continue
				}
				att.PartStat = partStatOf(ac.New)
				att.RSVP = false
				att.DelegatedTo = append([]string(nil), ac.New.DelegatedTo...)
				for _, d := range ac.New.DelegatedTo {
					if ev.FindAttendee(d) == nil {
						ev.Attendees = append(ev.Attendees, &calendar.Attendee{
							Email:         d,
							PartStat:      calendar.PartStatNeedsAction,
							Role:          att.Role,
							RSVP:          true,
							CUType:        calendar.CUTypeIndividual,
							DelegatedFrom: []string{att.Email},
						})
					}
				}
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := pf.save(ctx, p, ev, res); err != nil {
			return err
		}
	}
	return nil
}

func (pf *Performer) declineCounter(ctx context.Context, p calendar.Principal, a *Analysis, opts PerformOptions, res *Result) error {
	changes := live(a)
	if len(changes) == 0 || a.Sender == "" {
		return fmt.Errorf("%w: no counter to decline", consts.ErrActionNotAllowed)
	}
	var events []*calendar.Event
	for _, c := range changes {
		if ev := target(c); ev != nil {
			ev.Comment = opts.Comment
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no stored appointment for counter", consts.ErrEventNotFound)
	}
	out := pf.outgoing(p, a, MethodDeclineCounter, fmt.Sprintf("Counter proposal declined: %s", summaryOf(events[0])), a.Sender)
	out.Text = fmt.Sprintf("%s declined your proposal for %q.\n\n%s", displayName(p), summaryOf(events[0]), opts.Comment)
	out.Events = events
	return pf.send(ctx, out, res)
}

// refresh asks the organizer for the current version of the appointment.
func (pf *Performer) refresh(ctx context.Context, p calendar.Principal, a *Analysis, opts PerformOptions, res *Result) error {
	if len(a.Incoming) == 0 || a.Incoming[0].Organizer == nil {
		return fmt.Errorf("refresh: %s has no organizer", a.UID)
	}
	src := a.Incoming[0]
	req := &calendar.Event{
		UID:          src.UID,
		RecurrenceID: src.RecurrenceID,
		DTStamp:      pf.now().UTC(),
		Start:        src.Start,
		End:          src.End,
		AllDay:       src.AllDay,
		Organizer:    src.Organizer.Clone(),
		Attendees:    []*calendar.Attendee{p.AsAttendee(calendar.PartStatNeedsAction)},
		Comment:      opts.Comment,
	}
	out := pf.outgoing(p, a, MethodRefresh, fmt.Sprintf("Refresh: %s", summaryOf(src)), src.Organizer.Email)
	out.Text = fmt.Sprintf("%s requests the current version of %q.", displayName(p), summaryOf(src))
	out.Events = []*calendar.Event{req}
	return pf.send(ctx, out, res)
}

// sendAppointment answers a REFRESH with the stored series.
func (pf *Performer) sendAppointment(ctx context.Context, p calendar.Principal, a *Analysis, res *Result) error {
	series, err := pf.store.Get(ctx, p, a.UID)
	if err != nil {
		return fmt.Errorf("load %s: %w", a.UID, err)
	}
	events := series.All()
	if len(events) == 0 || a.Sender == "" {
		return fmt.Errorf("%w: nothing to send", consts.ErrActionNotAllowed)
	}
	out := pf.outgoing(p, a, MethodRequest, fmt.Sprintf("Invitation: %s", summaryOf(events[0])), a.Sender)
	out.Text = fmt.Sprintf("Current version of %q.", summaryOf(events[0]))
	out.Events = events
	return pf.send(ctx, out, res)
}

func responseLabel(ps calendar.PartStat) string {
	switch ps {
	case calendar.PartStatAccepted:
		return "Accepted"
	case calendar.PartStatDeclined:
		return "Declined"
	case calendar.PartStatTentative:
		return "Tentative"
	case calendar.PartStatDelegated:
		return "Delegated"
	}
	return "Response"
}

func responseText(p calendar.Principal, ps calendar.PartStat, summary, comment string) string {
	var verb string
	switch ps {
	case calendar.PartStatAccepted:
		verb = "accepted"
	case calendar.PartStatDeclined:
		verb = "declined"
	case calendar.PartStatTentative:
		verb = "tentatively accepted"
	case calendar.PartStatDelegated:
		verb = "delegated"
	default:
		verb = "answered"
	}
	text := fmt.Sprintf("%s has %s %q.", displayName(p), verb, summary)
	if comment != "" {
		text += "\n\n" + comment
	}
	return text
}

func displayName(p calendar.Principal) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Email
}

func containsAddr(list []string, addr string) bool {
	addr = helpers.NormalizeCalAddress(addr)
	for _, x := range list {
		if helpers.NormalizeCalAddress(x) == addr {
			return true
		}
	}
	return false
}
