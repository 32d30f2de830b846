package itip

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/helpers"
)

// Compared fields. SEQUENCE, DTSTAMP and LAST-MODIFIED are bookkeeping and
// never part of a diff.
const (
	FieldStart        = "start"
	FieldEnd          = "end"
	FieldAllDay       = "all_day"
	FieldRRule        = "rrule"
	FieldExDates      = "exdates"
	FieldSummary      = "summary"
	FieldDescription  = "description"
	FieldLocation     = "location"
	FieldCategories   = "categories"
	FieldComment      = "comment"
	FieldStatus       = "status"
	FieldTransparency = "transparency"
	FieldOrganizer    = "organizer"
)

var (
	reschedulingFields = []string{FieldStart, FieldEnd, FieldAllDay, FieldRRule, FieldExDates}
	detailFields       = []string{FieldSummary, FieldDescription, FieldLocation, FieldCategories, FieldComment}
	// attendee properties that express a response rather than an invitation change
	stateFields = []string{"partstat", "rsvp", "delegated_to", "delegated_from"}
)

type FieldDiff struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// AttendeeChange is an attendee present on both sides whose properties differ.
type AttendeeChange struct {
	Email  string             `json:"email"`
	Old    *calendar.Attendee `json:"old"`
	New    *calendar.Attendee `json:"new"`
	Fields []string           `json:"fields"`
}

// IsStateChange reports whether only response properties changed.
func (c AttendeeChange) IsStateChange() bool {
	for _, f := range c.Fields {
		if !slices.Contains(stateFields, f) {
			return false
		}
	}
	return true
}

type AttendeeDiff struct {
	Added   []*calendar.Attendee `json:"added,omitempty"`
	Removed []*calendar.Attendee `json:"removed,omitempty"`
	Changed []AttendeeChange     `json:"changed,omitempty"`
}

func (d AttendeeDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff lists the differences between a stored event and an incoming one.
type Diff struct {
	Fields    []FieldDiff  `json:"fields,omitempty"`
	Attendees AttendeeDiff `json:"attendees"`
}

// Compare computes the diff from old to updated. A nil old yields nil.
func Compare(old, updated *calendar.Event) *Diff {
	if old == nil || updated == nil {
		return nil
	}
	d := &Diff{}
	add := func(field, o, n string) {
		if o != n {
			d.Fields = append(d.Fields, FieldDiff{Field: field, Old: o, New: n})
		}
	}

	add(FieldStart, formatTime(old.Start, old.AllDay), formatTime(updated.Start, updated.AllDay))
	add(FieldEnd, formatTime(old.EffectiveEnd(), old.AllDay), formatTime(updated.EffectiveEnd(), updated.AllDay))
	add(FieldAllDay, strconv.FormatBool(old.AllDay), strconv.FormatBool(updated.AllDay))
	add(FieldRRule, normalizeRule(old.RRule), normalizeRule(updated.RRule))
	add(FieldExDates, formatTimes(old.ExDates), formatTimes(updated.ExDates))
	add(FieldSummary, old.Summary, updated.Summary)
	add(FieldDescription, strings.TrimSpace(old.Description), strings.TrimSpace(updated.Description))
	add(FieldLocation, old.Location, updated.Location)
	add(FieldCategories, joinSorted(old.Categories), joinSorted(updated.Categories))
	add(FieldComment, old.Comment, updated.Comment)
	add(FieldStatus, string(statusOf(old)), string(statusOf(updated)))
	add(FieldTransparency, string(transpOf(old)), string(transpOf(updated)))
	add(FieldOrganizer, organizerOf(old), organizerOf(updated))

	d.Attendees = compareAttendees(old.Attendees, updated.Attendees)
	return d
}

func compareAttendees(old, updated []*calendar.Attendee) AttendeeDiff {
	var d AttendeeDiff
	byAddr := make(map[string]*calendar.Attendee, len(old))
	for _, a := range old {
		byAddr[helpers.NormalizeCalAddress(a.Email)] = a
	}
	seen := make(map[string]bool, len(updated))
	for _, n := range updated {
		key := helpers.NormalizeCalAddress(n.Email)
		seen[key] = true
		o, ok := byAddr[key]
		if !ok {
			d.Added = append(d.Added, n)
			continue
		}
		if fields := attendeeFieldsChanged(o, n); len(fields) > 0 {
			d.Changed = append(d.Changed, AttendeeChange{Email: key, Old: o, New: n, Fields: fields})
		}
	}
	for _, o := range old {
		if !seen[helpers.NormalizeCalAddress(o.Email)] {
			d.Removed = append(d.Removed, o)
		}
	}
	return d
}

func attendeeFieldsChanged(o, n *calendar.Attendee) []string {
	var fields []string
	if partStatOf(o) != partStatOf(n) {
		fields = append(fields, "partstat")
	}
	if o.RSVP != n.RSVP {
		fields = append(fields, "rsvp")
	}
	if !strings.EqualFold(o.Role, n.Role) {
		fields = append(fields, "role")
	}
	if o.CommonName != n.CommonName {
		fields = append(fields, "cn")
	}
	if !strings.EqualFold(string(o.CUType), string(n.CUType)) {
		fields = append(fields, "cutype")
	}
	if joinSorted(o.DelegatedTo) != joinSorted(n.DelegatedTo) {
		fields = append(fields, "delegated_to")
	}
	if joinSorted(o.DelegatedFrom) != joinSorted(n.DelegatedFrom) {
		fields = append(fields, "delegated_from")
	}
	return fields
}

func (d *Diff) IsEmpty() bool {
	return d == nil || (len(d.Fields) == 0 && d.Attendees.IsEmpty())
}

// AnyFieldChangedOf reports whether any of fields differs.
func (d *Diff) AnyFieldChangedOf(fields ...string) bool {
	if d == nil {
		return false
	}
	for _, f := range d.Fields {
		if slices.Contains(fields, f.Field) {
			return true
		}
	}
	return false
}

// Field returns the diff for one field, if any.
func (d *Diff) Field(name string) (FieldDiff, bool) {
	if d != nil {
		for _, f := range d.Fields {
			if f.Field == name {
				return f, true
			}
		}
	}
	return FieldDiff{}, false
}

// IsAboutStateChangesOnly reports whether the only differences are attendee
// responses.
func (d *Diff) IsAboutStateChangesOnly() bool {
	if d.IsEmpty() || len(d.Fields) > 0 || len(d.Attendees.Added) > 0 || len(d.Attendees.Removed) > 0 {
		return false
	}
	for _, c := range d.Attendees.Changed {
		if !c.IsStateChange() {
			return false
		}
	}
	return true
}

// IsAboutParticipantStateChangesOnly is IsAboutStateChangesOnly restricted to
// the given attendees.
func (d *Diff) IsAboutParticipantStateChangesOnly(emails ...string) bool {
	if !d.IsAboutStateChangesOnly() {
		return false
	}
	for _, c := range d.Attendees.Changed {
		found := false
		for _, e := range emails {
			if helpers.NormalizeCalAddress(e) == c.Email {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsAboutDetailChangesOnly reports whether only descriptive fields changed.
// Attendee response changes are tolerated, invitation changes are not.
func (d *Diff) IsAboutDetailChangesOnly() bool {
	if d == nil || len(d.Fields) == 0 || len(d.Attendees.Added) > 0 || len(d.Attendees.Removed) > 0 {
		return false
	}
	for _, f := range d.Fields {
		if !slices.Contains(detailFields, f.Field) {
			return false
		}
	}
	for _, c := range d.Attendees.Changed {
		if !c.IsStateChange() {
			return false
		}
	}
	return true
}

// IsRescheduling reports whether time or recurrence changed.
func (d *Diff) IsRescheduling() bool {
	return d.AnyFieldChangedOf(reschedulingFields...)
}

func formatTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimes(ts []time.Time) string {
	s := make([]string, 0, len(ts))
	for _, t := range ts {
		s = append(s, t.UTC().Format(time.RFC3339))
	}
	slices.Sort(s)
	return strings.Join(s, ",")
}

func joinSorted(v []string) string {
	s := make([]string, 0, len(v))
	for _, x := range v {
		s = append(s, strings.ToLower(strings.TrimSpace(x)))
	}
	slices.Sort(s)
	return strings.Join(s, ",")
}

func normalizeRule(r string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(r), "RRULE:"))
}

func statusOf(ev *calendar.Event) calendar.Status {
	if ev.Status == "" {
		return calendar.StatusConfirmed
	}
	return ev.Status
}

func transpOf(ev *calendar.Event) calendar.Transparency {
	if ev.Transparency == "" {
		return calendar.Opaque
	}
	return ev.Transparency
}

func organizerOf(ev *calendar.Event) string {
	if ev.Organizer == nil {
		return ""
	}
	return helpers.NormalizeCalAddress(ev.Organizer.Email)
}

func partStatOf(a *calendar.Attendee) calendar.PartStat {
	if a == nil || a.PartStat == "" {
		return calendar.PartStatNeedsAction
	}
	return a.PartStat
}
