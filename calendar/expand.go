package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Occurrence is one concrete instance of an event.
type Occurrence struct {
	Event        *Event
	RecurrenceID time.Time
	Start        time.Time
	End          time.Time
}

// Expand returns the occurrences of master overlapping [from, to), at most
// limit of them (0 means unlimited). EXDATEs are honoured and instances
// overridden by one of exceptions are replaced by it; cancelled exceptions
// drop the instance. Non-recurring events yield at most one occurrence, and
// a nil master expands only the given exceptions.
func Expand(master *Event, exceptions []*Event, from, to time.Time, limit int) ([]Occurrence, error) {
	var out []Occurrence
	switch {
	case master == nil:
	case !master.IsRecurring():
		if !master.IsCancelled() && occurrenceOverlaps(master.Start, master.EffectiveEnd(), from, to) {
			out = append(out, Occurrence{Event: master, Start: master.Start, End: master.EffectiveEnd()})
		}
	default:
		set, err := recurrenceSet(master)
		if err != nil {
			return nil, err
		}

		overridden := make(map[int64]bool, len(exceptions))
		for _, ex := range exceptions {
			overridden[ex.RecurrenceID.Unix()] = true
		}

		dur := master.Duration()
		// Instances starting before from can still reach into the window.
		for _, s := range set.Between(from.Add(-dur), to, true) {
			if overridden[s.Unix()] || master.HasExDate(s) {
				continue
			}
			end := s.Add(dur)
			if occurrenceOverlaps(s, end, from, to) {
				out = append(out, Occurrence{Event: master, RecurrenceID: s, Start: s, End: end})
			}
		}
	}
	out = append(out, expandExceptions(exceptions, from, to)...)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func expandExceptions(exceptions []*Event, from, to time.Time) []Occurrence {
	var out []Occurrence
	for _, ex := range exceptions {
		if ex.IsCancelled() {
			continue
		}
		if !occurrenceOverlaps(ex.Start, ex.EffectiveEnd(), from, to) {
			continue
		}
		out = append(out, Occurrence{Event: ex, RecurrenceID: ex.RecurrenceID, Start: ex.Start, End: ex.EffectiveEnd()})
	}
	return out
}

func occurrenceOverlaps(start, end, from, to time.Time) bool {
	if end.Equal(start) {
		return !start.Before(from) && start.Before(to)
	}
	return start.Before(to) && end.After(from)
}

func recurrenceSet(master *Event) (*rrule.Set, error) {
	r, err := parseRule(master)
	if err != nil {
		return nil, err
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, x := range master.ExDates {
		set.ExDate(x)
	}
	return set, nil
}

// IsValidOccurrence reports whether recurrenceID is an instance generated by
// master's rule (ignoring EXDATEs).
func IsValidOccurrence(master *Event, recurrenceID time.Time) bool {
	if master == nil || !master.IsRecurring() {
		return false
	}
	r, err := parseRule(master)
	if err != nil {
		return false
	}
	hits := r.Between(recurrenceID.Add(-time.Second), recurrenceID.Add(time.Second), true)
	for _, h := range hits {
		if h.Equal(recurrenceID) {
			return true
		}
	}
	return false
}

func parseRule(master *Event) (*rrule.RRule, error) {
	rule := strings.TrimPrefix(strings.TrimSpace(master.RRule), "RRULE:")
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE %q: %w", master.RRule, err)
	}
	opt.Dtstart = master.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE %q: %w", master.RRule, err)
	}
	return r, nil
}

// ValidateRule checks that ev's RRULE parses.
func ValidateRule(ev *Event) error {
	if !ev.IsRecurring() {
		return nil
	}
	_, err := parseRule(ev)
	return err
}
