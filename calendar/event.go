// Package calendar holds the appointment model shared by the iTIP engine, the
// storage layer and the external providers, plus composited access to several
// providers and recurrence expansion.
package calendar

import (
	"strings"
	"time"

	"github.com/migadu/soracal/helpers"
)

type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
)

type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

type Transparency string

const (
	Opaque      Transparency = "OPAQUE"
	Transparent Transparency = "TRANSPARENT"
)

type CUType string

const (
	CUTypeIndividual CUType = "INDIVIDUAL"
	CUTypeGroup      CUType = "GROUP"
	CUTypeResource   CUType = "RESOURCE"
	CUTypeRoom       CUType = "ROOM"
)

// Attendee is a calendar user taking part in an event. The organizer uses the
// same type with only Email, CommonName and SentBy populated.
type Attendee struct {
	Email         string   `json:"email"`
	CommonName    string   `json:"cn,omitempty"`
	PartStat      PartStat `json:"partstat,omitempty"`
	Role          string   `json:"role,omitempty"`
	RSVP          bool     `json:"rsvp,omitempty"`
	CUType        CUType   `json:"cutype,omitempty"`
	DelegatedTo   []string `json:"delegated_to,omitempty"`
	DelegatedFrom []string `json:"delegated_from,omitempty"`
	SentBy        string   `json:"sent_by,omitempty"`
}

// Matches reports whether addr designates this attendee.
func (a *Attendee) Matches(addr string) bool {
	return a != nil && a.Email != "" && helpers.NormalizeCalAddress(a.Email) == helpers.NormalizeCalAddress(addr)
}

// Event is a single VEVENT: a series master, a non-recurring appointment or,
// when RecurrenceID is set, an exception of a series.
type Event struct {
	ID       int64  `json:"id,omitempty"`
	Provider string `json:"provider,omitempty"`
	FolderID string `json:"folder_id,omitempty"`

	UID          string    `json:"uid"`
	RecurrenceID time.Time `json:"recurrence_id,omitempty"`
	Sequence     int       `json:"sequence"`
	DTStamp      time.Time `json:"dtstamp"`
	Created      time.Time `json:"created,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`

	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Comment     string `json:"comment,omitempty"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"all_day,omitempty"`
	TimeZone string    `json:"tz,omitempty"`

	RRule   string      `json:"rrule,omitempty"`
	ExDates []time.Time `json:"exdates,omitempty"`

	Status       Status       `json:"status,omitempty"`
	Transparency Transparency `json:"transp,omitempty"`
	Categories   []string     `json:"categories,omitempty"`

	Organizer *Attendee   `json:"organizer,omitempty"`
	Attendees []*Attendee `json:"attendees,omitempty"`
}

func (e *Event) IsException() bool { return !e.RecurrenceID.IsZero() }

func (e *Event) IsRecurring() bool { return e.RRule != "" }

func (e *Event) IsCancelled() bool { return e.Status == StatusCancelled }

func (e *Event) IsTransparent() bool { return e.Transparency == Transparent }

// EffectiveEnd returns End, or a sensible default when the event has none:
// one day for all-day events, the start instant otherwise.
func (e *Event) EffectiveEnd() time.Time {
	if !e.End.IsZero() && e.End.After(e.Start) {
		return e.End
	}
	if e.AllDay {
		return e.Start.AddDate(0, 0, 1)
	}
	return e.Start
}

func (e *Event) Duration() time.Duration {
	return e.EffectiveEnd().Sub(e.Start)
}

// FindAttendee returns the attendee matching addr, or nil.
func (e *Event) FindAttendee(addr string) *Attendee {
	for _, a := range e.Attendees {
		if a.Matches(addr) {
			return a
		}
	}
	return nil
}

// IsOrganizedBy reports whether addr is the organizer or acts on its behalf.
func (e *Event) IsOrganizedBy(addr string) bool {
	if e.Organizer == nil {
		return false
	}
	if e.Organizer.Matches(addr) {
		return true
	}
	return e.Organizer.SentBy != "" && helpers.NormalizeCalAddress(e.Organizer.SentBy) == helpers.NormalizeCalAddress(addr)
}

// HasExDate reports whether t is excluded from the series.
func (e *Event) HasExDate(t time.Time) bool {
	for _, x := range e.ExDates {
		if x.Equal(t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.ExDates = append([]time.Time(nil), e.ExDates...)
	c.Categories = append([]string(nil), e.Categories...)
	if e.Organizer != nil {
		c.Organizer = e.Organizer.Clone()
	}
	c.Attendees = make([]*Attendee, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		c.Attendees = append(c.Attendees, a.Clone())
	}
	return &c
}

func (a *Attendee) Clone() *Attendee {
	c := *a
	c.DelegatedTo = append([]string(nil), a.DelegatedTo...)
	c.DelegatedFrom = append([]string(nil), a.DelegatedFrom...)
	return &c
}

// OccurrenceOf builds the instance of master starting at recurrenceID, as it
// would look without an exception. Used when a message refers to an occurrence
// that has no stored exception yet.
func OccurrenceOf(master *Event, recurrenceID time.Time) *Event {
	occ := master.Clone()
	dur := master.Duration()
	occ.ID = 0
	occ.RecurrenceID = recurrenceID
	occ.Start = recurrenceID
	occ.End = recurrenceID.Add(dur)
	occ.RRule = ""
	occ.ExDates = nil
	return occ
}

// Principal is the calendar user on whose behalf messages are analyzed and
// actions performed.
type Principal struct {
	AccountID   int64    `json:"account_id"`
	Email       string   `json:"email"`
	Aliases     []string `json:"aliases,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Is reports whether addr is the principal's primary address or an alias.
// Subaddress details ("user+tag@") are ignored.
func (p Principal) Is(addr string) bool {
	n := helpers.BaseAddress(helpers.NormalizeCalAddress(addr))
	if n == "" {
		return false
	}
	if n == helpers.BaseAddress(helpers.NormalizeCalAddress(p.Email)) {
		return true
	}
	for _, a := range p.Aliases {
		if n == helpers.BaseAddress(helpers.NormalizeCalAddress(a)) {
			return true
		}
	}
	return false
}

// AttendeeIn returns the principal's attendee entry in ev, or nil.
func (p Principal) AttendeeIn(ev *Event) *Attendee {
	if ev == nil {
		return nil
	}
	for _, a := range ev.Attendees {
		if p.Is(a.Email) {
			return a
		}
	}
	return nil
}

// IsOrganizerOf reports whether the principal organizes ev.
func (p Principal) IsOrganizerOf(ev *Event) bool {
	if ev == nil || ev.Organizer == nil {
		return false
	}
	return p.Is(ev.Organizer.Email) || (ev.Organizer.SentBy != "" && p.Is(ev.Organizer.SentBy))
}

// AsAttendee returns a fresh attendee entry for the principal.
func (p Principal) AsAttendee(ps PartStat) *Attendee {
	return &Attendee{
		Email:      strings.ToLower(p.Email),
		CommonName: p.DisplayName,
		PartStat:   ps,
		Role:       "REQ-PARTICIPANT",
		CUType:     CUTypeIndividual,
	}
}
