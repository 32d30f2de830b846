package calendar

import (
	"context"
	"sort"
	"time"
)

// Series groups all stored components sharing one UID. Master is nil when
// only individual occurrences were delivered to the principal.
type Series struct {
	Master     *Event
	Exceptions []*Event
}

// Base returns the master, or the first exception for orphan series.
func (s *Series) Base() *Event {
	if s == nil {
		return nil
	}
	if s.Master != nil {
		return s.Master
	}
	if len(s.Exceptions) > 0 {
		return s.Exceptions[0]
	}
	return nil
}

// Find returns the component for recurrenceID; the zero time selects the master.
func (s *Series) Find(recurrenceID time.Time) *Event {
	if s == nil {
		return nil
	}
	if recurrenceID.IsZero() {
		return s.Master
	}
	for _, ex := range s.Exceptions {
		if ex.RecurrenceID.Equal(recurrenceID) {
			return ex
		}
	}
	return nil
}

// All returns master (if any) followed by exceptions ordered by RecurrenceID.
func (s *Series) All() []*Event {
	if s == nil {
		return nil
	}
	out := make([]*Event, 0, len(s.Exceptions)+1)
	if s.Master != nil {
		out = append(out, s.Master)
	}
	ex := append([]*Event(nil), s.Exceptions...)
	sort.Slice(ex, func(i, j int) bool { return ex[i].RecurrenceID.Before(ex[j].RecurrenceID) })
	return append(out, ex...)
}

// GroupSeries groups a flat list of components by UID, preserving first-seen order.
func GroupSeries(events []*Event) []*Series {
	idx := make(map[string]*Series)
	var order []*Series
	for _, ev := range events {
		s, ok := idx[ev.UID]
		if !ok {
			s = &Series{}
			idx[ev.UID] = s
			order = append(order, s)
		}
		if ev.IsException() {
			s.Exceptions = append(s.Exceptions, ev)
		} else {
			s.Master = ev
		}
	}
	return order
}

// Provider is a calendar backend holding a principal's appointments.
//
// Range returns every stored component that may produce an occurrence in
// [from, to): non-recurring events and exceptions overlapping the window and
// all recurring masters starting before to. Callers expand series themselves.
//
// Get and Delete return consts.ErrEventNotFound when the UID is unknown.
// Delete with a zero recurrenceID removes the whole series.
type Provider interface {
	ID() string
	Get(ctx context.Context, p Principal, uid string) (*Series, error)
	Range(ctx context.Context, p Principal, from, to time.Time) ([]*Event, error)
	Save(ctx context.Context, p Principal, ev *Event) error
	Delete(ctx context.Context, p Principal, uid string, recurrenceID time.Time) error
}

// Overlaps reports whether ev may contribute occurrences to [from, to).
func Overlaps(ev *Event, from, to time.Time) bool {
	if ev.IsRecurring() && !ev.IsException() {
		return ev.Start.Before(to)
	}
	end := ev.EffectiveEnd()
	if end.Equal(ev.Start) {
		return !ev.Start.Before(from) && ev.Start.Before(to)
	}
	return ev.Start.Before(to) && end.After(from)
}
