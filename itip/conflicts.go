package itip

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/pkg/metrics"
)

// Conflict is a stored occurrence overlapping an incoming one.
type Conflict struct {
	Event *calendar.Event `json:"event"`
	Start time.Time       `json:"start"`
	End   time.Time       `json:"end"`
	// Hard is set when the principal committed to the conflicting event.
	Hard bool `json:"hard"`
}

// ConflictChecker finds the principal's appointments overlapping an event.
type ConflictChecker struct {
	store   calendar.Provider
	horizon time.Duration
	limit   int
	now     func() time.Time
}

func NewConflictChecker(store calendar.Provider, horizon time.Duration, limit int, now func() time.Time) *ConflictChecker {
	if now == nil {
		now = time.Now
	}
	return &ConflictChecker{store: store, horizon: horizon, limit: limit, now: now}
}

// Find returns the conflicts of ev, ordered by start. Series are only
// checked from now (or their start, if later) up to the configured horizon.
func (c *ConflictChecker) Find(ctx context.Context, p calendar.Principal, ev *calendar.Event) ([]Conflict, error) {
	if ev == nil || ev.IsTransparent() || ev.IsCancelled() {
		return nil, nil
	}

	from, to := ev.Start, ev.EffectiveEnd()
	if ev.IsRecurring() {
		if now := c.now(); now.After(from) {
			from = now
		}
		to = from.Add(c.horizon)
	}
	if !to.After(from) {
		return nil, nil
	}

	incoming, err := calendar.Expand(ev, nil, from, to, c.limit)
	if err != nil {
		return nil, fmt.Errorf("expand incoming event: %w", err)
	}
	if len(incoming) == 0 {
		return nil, nil
	}
	windowFrom, windowTo := incoming[0].Start, incoming[0].End
	for _, o := range incoming[1:] {
		if o.End.After(windowTo) {
			windowTo = o.End
		}
	}

	stored, err := c.store.Range(ctx, p, windowFrom, windowTo)
	if err != nil {
		return nil, fmt.Errorf("query calendar range: %w", err)
	}

	type key struct {
		uid   string
		start int64
	}
	seen := make(map[key]bool)
	var out []Conflict
	for _, s := range calendar.GroupSeries(stored) {
		base := s.Base()
		if base == nil || base.UID == ev.UID {
			continue
		}
		exceptions := s.Exceptions
		if s.Master != nil && s.Master.IsRecurring() {
			// Range only returns exceptions inside the window; one moved out
			// of it still overrides its original instance.
			if full, err := c.store.Get(ctx, p, base.UID); err == nil {
				exceptions = full.Exceptions
			}
		}
		occs, err := calendar.Expand(s.Master, exceptions, windowFrom, windowTo, c.limit)
		if err != nil {
			// A broken rule in a stored event must not block analysis.
			continue
		}
		for _, o := range occs {
			if !blocksTime(p, o.Event) {
				continue
			}
			if !overlapsAny(o, incoming) {
				continue
			}
			k := key{o.Event.UID, o.Start.Unix()}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Conflict{Event: o.Event, Start: o.Start, End: o.End, Hard: committed(p, o.Event)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if len(out) > 0 {
		metrics.ConflictsFound.Add(float64(len(out)))
	}
	return out, nil
}

// blocksTime reports whether a stored event occupies the principal's time.
func blocksTime(p calendar.Principal, ev *calendar.Event) bool {
	if ev.IsTransparent() || ev.IsCancelled() {
		return false
	}
	if a := p.AttendeeIn(ev); a != nil && a.PartStat == calendar.PartStatDeclined {
		return false
	}
	return true
}

func committed(p calendar.Principal, ev *calendar.Event) bool {
	if p.IsOrganizerOf(ev) {
		return true
	}
	a := p.AttendeeIn(ev)
	return a != nil && a.PartStat == calendar.PartStatAccepted
}

func overlapsAny(o calendar.Occurrence, incoming []calendar.Occurrence) bool {
	for _, in := range incoming {
		if o.Start.Before(in.End) && o.End.After(in.Start) {
			return true
		}
	}
	return false
}
