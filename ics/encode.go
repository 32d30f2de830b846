package ics

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/migadu/soracal/calendar"
)

var textEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, "\n", `\n`)

// Encode serializes events as a VCALENDAR with the given METHOD (may be empty
// for stored objects).
func Encode(method string, events []*calendar.Event, prodID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(ToCalendar(method, events, prodID)); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// ToCalendar builds the go-ical representation of events.
func ToCalendar(method string, events []*calendar.Event, prodID string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	if method != "" {
		cal.Props.SetText(ical.PropMethod, method)
	}
	for _, ev := range events {
		cal.Children = append(cal.Children, encodeEvent(ev))
	}
	return cal
}

func encodeEvent(ev *calendar.Event) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	props := comp.Props

	props.SetText(ical.PropUID, ev.UID)
	stamp := ev.DTStamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	props.SetText(ical.PropSequence, strconv.Itoa(ev.Sequence))

	setTime(props, ical.PropDateTimeStart, ev.Start, ev.AllDay)
	if !ev.End.IsZero() {
		setTime(props, ical.PropDateTimeEnd, ev.End, ev.AllDay)
	}
	if ev.IsException() {
		setTime(props, ical.PropRecurrenceID, ev.RecurrenceID, ev.AllDay)
	}
	if !ev.Created.IsZero() {
		props.SetDateTime(ical.PropCreated, ev.Created.UTC())
	}
	if !ev.LastModified.IsZero() {
		props.SetDateTime(ical.PropLastModified, ev.LastModified.UTC())
	}

	for name, v := range map[string]string{
		ical.PropSummary:     ev.Summary,
		ical.PropDescription: ev.Description,
		ical.PropLocation:    ev.Location,
		ical.PropComment:     ev.Comment,
	} {
		if v != "" {
			props.SetText(name, v)
		}
	}
	if ev.Status != "" {
		props.SetText(ical.PropStatus, string(ev.Status))
	}
	if ev.Transparency != "" {
		props.SetText(ical.PropTransparency, string(ev.Transparency))
	}
	if len(ev.Categories) > 0 {
		escaped := make([]string, len(ev.Categories))
		for i, c := range ev.Categories {
			escaped[i] = textEscaper.Replace(c)
		}
		p := ical.NewProp(ical.PropCategories)
		p.Value = strings.Join(escaped, ",")
		props.Set(p)
	}

	if ev.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = strings.TrimPrefix(ev.RRule, "RRULE:")
		props.Set(p)
	}
	for _, x := range ev.ExDates {
		p := ical.NewProp(ical.PropExceptionDates)
		if ev.AllDay {
			p.SetDate(x)
		} else {
			p.SetDateTime(x.UTC())
		}
		props.Add(p)
	}

	if ev.Organizer != nil {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + ev.Organizer.Email
		if ev.Organizer.CommonName != "" {
			p.Params.Set(ical.ParamCommonName, ev.Organizer.CommonName)
		}
		if ev.Organizer.SentBy != "" {
			p.Params.Set(ical.ParamSentBy, "mailto:"+ev.Organizer.SentBy)
		}
		props.Set(p)
	}
	for _, a := range ev.Attendees {
		props.Add(encodeAttendee(a))
	}
	return comp
}

func encodeAttendee(a *calendar.Attendee) *ical.Prop {
	p := ical.NewProp(ical.PropAttendee)
	p.Value = "mailto:" + a.Email
	if a.CommonName != "" {
		p.Params.Set(ical.ParamCommonName, a.CommonName)
	}
	if a.PartStat != "" {
		p.Params.Set(ical.ParamParticipationStatus, string(a.PartStat))
	}
	if a.Role != "" {
		p.Params.Set(ical.ParamRole, a.Role)
	}
	if a.CUType != "" {
		p.Params.Set(ical.ParamCalendarUserType, string(a.CUType))
	}
	if a.RSVP {
		p.Params.Set(ical.ParamRSVP, "TRUE")
	}
	if a.SentBy != "" {
		p.Params.Set(ical.ParamSentBy, "mailto:"+a.SentBy)
	}
	for _, d := range a.DelegatedTo {
		p.Params[ical.ParamDelegatedTo] = append(p.Params[ical.ParamDelegatedTo], "mailto:"+d)
	}
	for _, d := range a.DelegatedFrom {
		p.Params[ical.ParamDelegatedFrom] = append(p.Params[ical.ParamDelegatedFrom], "mailto:"+d)
	}
	return p
}

func setTime(props ical.Props, name string, t time.Time, allDay bool) {
	p := ical.NewProp(name)
	if allDay {
		p.SetDate(t)
	} else {
		p.SetDateTime(t.UTC())
	}
	props.Set(p)
}
