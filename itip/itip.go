// Package itip interprets incoming iTIP scheduling messages (RFC 5546)
// against the appointments a principal already holds and recommends the
// actions the principal may take. Recommended actions are applied by a
// Performer.
package itip

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
)

type Method string

const (
	MethodRequest        Method = "REQUEST"
	MethodReply          Method = "REPLY"
	MethodCancel         Method = "CANCEL"
	MethodAdd            Method = "ADD"
	MethodRefresh        Method = "REFRESH"
	MethodCounter        Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
	MethodPublish        Method = "PUBLISH"
)

// ParseMethod accepts a METHOD value in any case.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodRequest, MethodReply, MethodCancel, MethodAdd, MethodRefresh,
		MethodCounter, MethodDeclineCounter, MethodPublish:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", consts.ErrUnknownMethod, s)
}

// Message is an incoming scheduling message. Events holds every component of
// one UID; the master, when present, comes first.
type Message struct {
	Method    Method
	Sender    string
	MessageID string
	Comment   string
	Events    []*calendar.Event
}

func (m *Message) UID() string {
	if len(m.Events) == 0 {
		return ""
	}
	return m.Events[0].UID
}

// Master returns the component without RecurrenceID, or nil.
func (m *Message) Master() *calendar.Event {
	for _, ev := range m.Events {
		if !ev.IsException() {
			return ev
		}
	}
	return nil
}

func (m *Message) Exceptions() []*calendar.Event {
	var out []*calendar.Event
	for _, ev := range m.Events {
		if ev.IsException() {
			out = append(out, ev)
		}
	}
	return out
}

type ChangeType string

const (
	ChangeCreate                ChangeType = "CREATE"
	ChangeUpdate                ChangeType = "UPDATE"
	ChangeDelete                ChangeType = "DELETE"
	ChangeCreateDeleteException ChangeType = "CREATE_DELETE_EXCEPTION"
	ChangeReply                 ChangeType = "REPLY"
)

// Change describes what applying one incoming component would do to the
// principal's calendar.
type Change struct {
	Type ChangeType `json:"type"`
	// Current is the stored counterpart, nil for unknown events.
	Current *calendar.Event `json:"current,omitempty"`
	New     *calendar.Event `json:"new,omitempty"`
	// Master is the stored series master when New is an occurrence.
	Master      *calendar.Event `json:"master,omitempty"`
	Diff        *Diff           `json:"diff,omitempty"`
	Conflicts   []Conflict      `json:"conflicts,omitempty"`
	IsException bool            `json:"is_exception,omitempty"`
	Annotations []Annotation    `json:"annotations,omitempty"`
}

type Action string

const (
	ActionAccept                   Action = "ACCEPT"
	ActionDecline                  Action = "DECLINE"
	ActionTentative                Action = "TENTATIVE"
	ActionDelegate                 Action = "DELEGATE"
	ActionCounter                  Action = "COUNTER"
	ActionAcceptAndIgnoreConflicts Action = "ACCEPT_AND_IGNORE_CONFLICTS"
	ActionAcceptPartyCrasher       Action = "ACCEPT_PARTY_CRASHER"
	ActionAcceptAndReplace         Action = "ACCEPT_AND_REPLACE"
	ActionUpdate                   Action = "UPDATE"
	ActionCreate                   Action = "CREATE"
	ActionDelete                   Action = "DELETE"
	ActionDeclineCounter           Action = "DECLINECOUNTER"
	ActionRefresh                  Action = "REFRESH"
	ActionSendAppointment          Action = "SEND_APPOINTMENT"
	ActionApplyResponse            Action = "APPLY_RESPONSE"
	ActionIgnore                   Action = "IGNORE"
)

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionAccept, ActionDecline, ActionTentative, ActionDelegate, ActionCounter,
		ActionAcceptAndIgnoreConflicts, ActionAcceptPartyCrasher, ActionAcceptAndReplace,
		ActionUpdate, ActionCreate, ActionDelete, ActionDeclineCounter, ActionRefresh,
		ActionSendAppointment, ActionApplyResponse, ActionIgnore:
		return a, true
	}
	return "", false
}

// Analysis is the outcome of analyzing one message for one principal.
type Analysis struct {
	UID         string       `json:"uid"`
	Method      Method       `json:"method"`
	Sender      string       `json:"sender,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
	Comment     string       `json:"comment,omitempty"`
	Changes     []*Change    `json:"changes"`
	Actions     []Action     `json:"actions"`
	Annotations []Annotation `json:"annotations,omitempty"`
	// Incoming holds the message's components as received.
	Incoming []*calendar.Event `json:"incoming"`
}

func newAnalysis(msg *Message) *Analysis {
	return &Analysis{
		UID:       msg.UID(),
		Method:    msg.Method,
		Sender:    msg.Sender,
		MessageID: msg.MessageID,
		Comment:   msg.Comment,
		Incoming:  msg.Events,
	}
}

// AddAction appends actions not already present, keeping first-seen order.
func (a *Analysis) AddAction(actions ...Action) {
	for _, act := range actions {
		if !a.HasAction(act) {
			a.Actions = append(a.Actions, act)
		}
	}
}

func (a *Analysis) RemoveAction(act Action) {
	out := a.Actions[:0]
	for _, x := range a.Actions {
		if x != act {
			out = append(out, x)
		}
	}
	a.Actions = out
}

func (a *Analysis) HasAction(act Action) bool {
	for _, x := range a.Actions {
		if x == act {
			return true
		}
	}
	return false
}

func (a *Analysis) Annotate(key string, args ...any) {
	a.Annotations = append(a.Annotations, NewAnnotation(key, args...))
}

func (a *Analysis) HasAnnotation(key string) bool {
	for _, an := range a.Annotations {
		if an.Key == key {
			return true
		}
	}
	for _, c := range a.Changes {
		for _, an := range c.Annotations {
			if an.Key == key {
				return true
			}
		}
	}
	return false
}

// Conflicts returns the conflicts of all changes.
func (a *Analysis) Conflicts() []Conflict {
	var out []Conflict
	for _, c := range a.Changes {
		out = append(out, c.Conflicts...)
	}
	return out
}

// Analyzer produces an Analysis for one method family.
type Analyzer interface {
	Analyze(ctx context.Context, msg *Message, p calendar.Principal) (*Analysis, error)
}

// outdated reports whether incoming is older than stored: a lower SEQUENCE,
// or the same SEQUENCE with an older DTSTAMP.
func outdated(incoming, stored *calendar.Event) bool {
	if stored == nil {
		return false
	}
	if incoming.Sequence != stored.Sequence {
		return incoming.Sequence < stored.Sequence
	}
	if incoming.DTStamp.IsZero() || stored.DTStamp.IsZero() {
		return false
	}
	return incoming.DTStamp.Before(stored.DTStamp)
}

// lookup resolves the stored counterpart of ev within series. For an
// occurrence without a stored exception it returns the master so the caller
// can create a new exception.
func lookup(series *calendar.Series, ev *calendar.Event) (current, master *calendar.Event) {
	if series == nil {
		return nil, nil
	}
	if !ev.IsException() {
		return series.Master, nil
	}
	if ex := series.Find(ev.RecurrenceID); ex != nil {
		return ex, series.Master
	}
	return nil, series.Master
}
