package itip

import "fmt"

// Annotation keys. Messages are printf templates filled from Args.
const (
	AnnOutdated               = "outdated"
	AnnNotInvited             = "not_invited"
	AnnOwnEvent               = "own_event"
	AnnUIDConflict            = "uid_conflict"
	AnnConflicts              = "conflicts"
	AnnNewException           = "new_exception"
	AnnEventNotFound          = "event_not_found"
	AnnNotOrganizer           = "not_organizer"
	AnnPartyCrasher           = "party_crasher"
	AnnReplyAlreadyApplied    = "reply_already_applied"
	AnnReplyAccepted          = "reply_accepted"
	AnnReplyDeclined          = "reply_declined"
	AnnReplyTentative         = "reply_tentative"
	AnnReplyDelegated         = "reply_delegated"
	AnnReplyNeedsAction       = "reply_needs_action"
	AnnReplyOutdated          = "reply_outdated"
	AnnCancelUnknown          = "cancel_unknown"
	AnnCancelNotFromOrganizer = "cancel_not_from_organizer"
	AnnCancelOccurrence       = "cancel_occurrence"
	AnnAddUnknownSeries       = "add_unknown_series"
	AnnRefreshNotOrganizer    = "refresh_not_organizer"
	AnnRefreshUnknown         = "refresh_unknown"
	AnnCounterDeclined        = "counter_declined"
	AnnCounterNotOrganizer    = "counter_not_organizer"
	AnnCounterProposal        = "counter_proposal"
	AnnStateChangesOnly       = "state_changes_only"
	AnnRescheduled            = "rescheduled"
	AnnSenderNotOrganizer     = "sender_not_organizer"
	AnnPublished              = "published"
	AnnInvalidRecurrenceID    = "invalid_recurrence_id"
	AnnOrganizerChanged       = "organizer_changed"
)

var annotationTemplates = map[string]string{
	AnnOutdated:               "This message is outdated: a newer version of %q is already in your calendar.",
	AnnNotInvited:             "You are not listed as a participant of %q.",
	AnnOwnEvent:               "You are the organizer of %q.",
	AnnUIDConflict:            "An appointment with the same identifier but a different organizer (%s) already exists.",
	AnnConflicts:              "The appointment conflicts with %d other appointment(s).",
	AnnNewException:           "This message changes a single occurrence (%s) of a series.",
	AnnEventNotFound:          "The appointment %q could not be found in your calendar.",
	AnnNotOrganizer:           "%s replied to %q, which you do not organize.",
	AnnPartyCrasher:           "%s is not invited to %q but replied anyway.",
	AnnReplyAlreadyApplied:    "The reply of %s has already been applied.",
	AnnReplyAccepted:          "%s has accepted %q.",
	AnnReplyDeclined:          "%s has declined %q.",
	AnnReplyTentative:         "%s has tentatively accepted %q.",
	AnnReplyDelegated:         "%s has delegated %q to %s.",
	AnnReplyNeedsAction:       "%s has not yet decided on %q.",
	AnnReplyOutdated:          "The reply of %s refers to an older version of %q.",
	AnnCancelUnknown:          "The cancelled appointment %q is not in your calendar.",
	AnnCancelNotFromOrganizer: "The cancellation was sent by %s, not by the organizer %s.",
	AnnCancelOccurrence:       "A single occurrence (%s) of %q has been cancelled.",
	AnnAddUnknownSeries:       "New occurrences were added to %q, which is not in your calendar.",
	AnnRefreshNotOrganizer:    "%s asked for the current version of %q, which you do not organize.",
	AnnRefreshUnknown:         "%s asked for the current version of %q, which is not in your calendar.",
	AnnCounterDeclined:        "The organizer declined your counter proposal for %q.",
	AnnCounterNotOrganizer:    "%s proposed changes to %q, which you do not organize.",
	AnnCounterProposal:        "%s proposed changes to %q.",
	AnnStateChangesOnly:       "Only participant responses changed in %q.",
	AnnRescheduled:            "%q has been rescheduled.",
	AnnSenderNotOrganizer:     "The message was sent by %s on behalf of the organizer %s.",
	AnnPublished:              "%q has been published.",
	AnnInvalidRecurrenceID:    "%s is not an occurrence of %q.",
	AnnOrganizerChanged:       "The organizer of %q changed from %s to %s.",
}

// Annotation is a human-readable note attached to an analysis or change.
type Annotation struct {
	Key     string `json:"key"`
	Message string `json:"message"`
	Args    []any  `json:"args,omitempty"`
}

func NewAnnotation(key string, args ...any) Annotation {
	tmpl, ok := annotationTemplates[key]
	if !ok {
		tmpl = key
	}
	return Annotation{Key: key, Message: tmpl, Args: args}
}

// Text renders Message with Args.
func (a Annotation) Text() string {
	if len(a.Args) == 0 {
		return a.Message
	}
	return fmt.Sprintf(a.Message, a.Args...)
}

func (c *Change) Annotate(key string, args ...any) {
	c.Annotations = append(c.Annotations, NewAnnotation(key, args...))
}
