// Package ics converts between iCalendar objects and the calendar model.
package ics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/k3a/html2text"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/helpers"
)

const (
	paramTZID    = "TZID"
	paramValue   = "VALUE"
	paramFmtType = "FMTTYPE"
	propAltDesc  = "X-ALT-DESC"
)

// Object is a decoded VCALENDAR carrying one scheduling object.
type Object struct {
	Method string
	ProdID string
	// Events share one UID: master first, then exceptions ordered by RECURRENCE-ID.
	Events []*calendar.Event
}

// UID of the scheduling object
func (o *Object) UID() string {
	if len(o.Events) == 0 {
		return ""
	}
	return o.Events[0].UID
}

// Decode parses the first VCALENDAR in r. Events with a UID different from the
// first one are dropped; a scheduling message describes a single object.
func Decode(r io.Reader) (*Object, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty calendar", consts.ErrMalformedMessage)
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return FromCalendar(cal)
}

// FromCalendar converts an already parsed VCALENDAR.
func FromCalendar(cal *ical.Calendar) (*Object, error) {
	obj := &Object{}
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		obj.Method = strings.ToUpper(strings.TrimSpace(p.Value))
	}
	if p := cal.Props.Get(ical.PropProductID); p != nil {
		obj.ProdID = p.Value
	}

	var uid string
	for _, ve := range cal.Events() {
		ev, err := decodeEvent(ve.Component)
		if err != nil {
			return nil, err
		}
		if uid == "" {
			uid = ev.UID
		}
		if ev.UID != uid {
			continue
		}
		obj.Events = append(obj.Events, ev)
	}
	if len(obj.Events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT", consts.ErrMalformedMessage)
	}

	sort.SliceStable(obj.Events, func(i, j int) bool {
		a, b := obj.Events[i], obj.Events[j]
		if a.IsException() != b.IsException() {
			return !a.IsException()
		}
		return a.RecurrenceID.Before(b.RecurrenceID)
	})
	return obj, nil
}

func decodeEvent(comp *ical.Component) (*calendar.Event, error) {
	ev := &calendar.Event{
		Status:       calendar.StatusConfirmed,
		Transparency: calendar.Opaque,
	}
	props := comp.Props

	ev.UID = text(props, ical.PropUID)
	if ev.UID == "" {
		return nil, fmt.Errorf("%w: VEVENT without UID", consts.ErrMalformedMessage)
	}

	if p := props.Get(ical.PropDateTimeStart); p != nil {
		t, allDay, tz, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("%w: DTSTART: %v", consts.ErrMalformedMessage, err)
		}
		ev.Start, ev.AllDay, ev.TimeZone = t, allDay, tz
	} else {
		return nil, fmt.Errorf("%w: VEVENT %s without DTSTART", consts.ErrMalformedMessage, ev.UID)
	}

	if p := props.Get(ical.PropDateTimeEnd); p != nil {
		t, _, _, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("%w: DTEND: %v", consts.ErrMalformedMessage, err)
		}
		ev.End = t
	} else if p := props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return nil, fmt.Errorf("%w: DURATION: %v", consts.ErrMalformedMessage, err)
		}
		ev.End = ev.Start.Add(d)
	}

	if p := props.Get(ical.PropRecurrenceID); p != nil {
		t, _, _, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("%w: RECURRENCE-ID: %v", consts.ErrMalformedMessage, err)
		}
		ev.RecurrenceID = t
	}

	if p := props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}
	ev.DTStamp = optionalTime(props, ical.PropDateTimeStamp)
	ev.Created = optionalTime(props, ical.PropCreated)
	ev.LastModified = optionalTime(props, ical.PropLastModified)

	ev.Summary = text(props, ical.PropSummary)
	ev.Location = text(props, ical.PropLocation)
	ev.Comment = text(props, ical.PropComment)
	ev.Description = text(props, ical.PropDescription)
	if ev.Description == "" {
		if p := props.Get(propAltDesc); p != nil && strings.EqualFold(p.Params.Get(paramFmtType), "text/html") {
			ev.Description = strings.TrimSpace(html2text.HTML2Text(p.Value))
		}
	}

	if v := strings.ToUpper(text(props, ical.PropStatus)); v != "" {
		ev.Status = calendar.Status(v)
	}
	if v := strings.ToUpper(text(props, ical.PropTransparency)); v != "" {
		ev.Transparency = calendar.Transparency(v)
	}

	for _, p := range props.Values(ical.PropCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.Categories = append(ev.Categories, c)
			}
		}
	}

	if p := props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = strings.TrimSpace(p.Value)
		if err := calendar.ValidateRule(ev); err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
	}
	for _, p := range props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(v)
			t, _, _, err := parseTime(&single)
			if err != nil {
				return nil, fmt.Errorf("%w: EXDATE: %v", consts.ErrMalformedMessage, err)
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}

	if p := props.Get(ical.PropOrganizer); p != nil {
		ev.Organizer = &calendar.Attendee{
			Email:      helpers.NormalizeCalAddress(p.Value),
			CommonName: p.Params.Get(ical.ParamCommonName),
			SentBy:     helpers.NormalizeCalAddress(p.Params.Get(ical.ParamSentBy)),
		}
	}
	for _, p := range props.Values(ical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, decodeAttendee(p))
	}
	return ev, nil
}

func decodeAttendee(p ical.Prop) *calendar.Attendee {
	a := &calendar.Attendee{
		Email:      helpers.NormalizeCalAddress(p.Value),
		CommonName: p.Params.Get(ical.ParamCommonName),
		PartStat:   calendar.PartStat(strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus))),
		Role:       strings.ToUpper(p.Params.Get(ical.ParamRole)),
		RSVP:       strings.EqualFold(p.Params.Get(ical.ParamRSVP), "TRUE"),
		CUType:     calendar.CUType(strings.ToUpper(p.Params.Get(ical.ParamCalendarUserType))),
		SentBy:     helpers.NormalizeCalAddress(p.Params.Get(ical.ParamSentBy)),
	}
	if a.PartStat == "" {
		a.PartStat = calendar.PartStatNeedsAction
	}
	for _, v := range p.Params[ical.ParamDelegatedTo] {
		a.DelegatedTo = append(a.DelegatedTo, helpers.NormalizeCalAddress(v))
	}
	for _, v := range p.Params[ical.ParamDelegatedFrom] {
		a.DelegatedFrom = append(a.DelegatedFrom, helpers.NormalizeCalAddress(v))
	}
	return a
}

func text(props ical.Props, name string) string {
	p := props.Get(name)
	if p == nil {
		return ""
	}
	if s, err := p.Text(); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(p.Value)
}

func optionalTime(props ical.Props, name string) time.Time {
	p := props.Get(name)
	if p == nil {
		return time.Time{}
	}
	t, _, _, err := parseTime(p)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseTime reads a DATE or DATE-TIME property. Unknown TZIDs, as sent by
// some Windows clients, fall back to UTC and keep the zone name.
func parseTime(p *ical.Prop) (t time.Time, allDay bool, tz string, err error) {
	allDay = strings.EqualFold(p.Params.Get(paramValue), "DATE") || len(strings.TrimSpace(p.Value)) == 8
	tz = p.Params.Get(paramTZID)

	t, err = p.DateTime(time.UTC)
	if err == nil || tz == "" {
		return t, allDay, tz, err
	}

	bare := *p
	bare.Params = make(ical.Params, len(p.Params))
	for k, v := range p.Params {
		if k != paramTZID {
			bare.Params[k] = v
		}
	}
	t, err = bare.DateTime(time.UTC)
	return t, allDay, tz, err
}
