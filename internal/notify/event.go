package notify

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// EventType is the closed set of notification kinds.
type EventType string

const (
	TaskAssigned        EventType = "task_assigned"
	TaskUnassigned      EventType = "task_unassigned"
	StatusChanged       EventType = "status_changed"
	PriorityChanged     EventType = "priority_changed"
	NewComment          EventType = "new_comment"
	DueDateChanged      EventType = "due_date_changed"
	CollaboratorAdded   EventType = "collaborator_added"
	CollaboratorRemoved EventType = "collaborator_removed"
	Mention             EventType = "mention"
	NewSubmission       EventType = "new_submission"
)

// EventTypes lists every known type in a stable order.
var EventTypes = []EventType{
	TaskAssigned,
	TaskUnassigned,
	StatusChanged,
	PriorityChanged,
	NewComment,
	DueDateChanged,
	CollaboratorAdded,
	CollaboratorRemoved,
	Mention,
	NewSubmission,
}

var ErrUnknownEventType = errors.New("unknown event type")

// ParseEventType maps a loose string (as found in JSON payloads) to an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

func (t EventType) Valid() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (t EventType) String() string { return string(t) }

// requiredMetadata lists the metadata keys each type must carry.
var requiredMetadata = map[EventType][]string{
	StatusChanged:   {"old_status", "new_status"},
	PriorityChanged: {"old_priority", "new_priority"},
	DueDateChanged:  {"new_due_date"},
	NewComment:      {"comment_preview"},
	Mention:         {"mentioned_by"},
	NewSubmission:   {"submitted_by"},
}

// RequiredMetadata returns the metadata keys an event of type t must carry.
func RequiredMetadata(t EventType) []string {
	return append([]string(nil), requiredMetadata[t]...)
}

// EventInput is the mutable form used to construct an Event.
type EventInput struct {
	Type         EventType
	SubjectID    string
	SubjectTitle string
	BoardID      string
	BoardName    string
	ActorID      string
	Metadata     map[string]string
}

// Event is an immutable notification event. Build one with NewEvent.
type Event struct {
	typ          EventType
	subjectID    string
	subjectTitle string
	boardID      string
	boardName    string
	actorID      string
	metadata     map[string]string
}

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Type   EventType
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid %s event: %s", e.Type, e.Reason)
}

// NewEvent validates in and returns an immutable Event.
//
// Every event needs a known type, a subject id, a board id and an actor id,
// plus the per-type metadata keys listed by RequiredMetadata.
func NewEvent(in EventInput) (Event, error) {
	if !in.Type.Valid() {
		return Event{}, &ValidationError{Type: in.Type, Reason: "unknown type"}
	}
	missing := make([]string, 0, 3)
	if strings.TrimSpace(in.SubjectID) == "" {
		missing = append(missing, "subject_id")
	}
	if strings.TrimSpace(in.BoardID) == "" {
		missing = append(missing, "board_id")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		missing = append(missing, "actor_id")
	}
	for _, k := range requiredMetadata[in.Type] {
		if strings.TrimSpace(in.Metadata[k]) == "" {
			missing = append(missing, "metadata."+k)
		}
	}
	if len(missing) > 0 {
		return Event{}, &ValidationError{Type: in.Type, Reason: "missing " + strings.Join(missing, ", ")}
	}
	return Event{
		typ:          in.Type,
		subjectID:    strings.TrimSpace(in.SubjectID),
		subjectTitle: in.SubjectTitle,
		boardID:      strings.TrimSpace(in.BoardID),
		boardName:    in.BoardName,
		actorID:      strings.TrimSpace(in.ActorID),
		metadata:     maps.Clone(in.Metadata),
	}, nil
}

func (e Event) Type() EventType      { return e.typ }
func (e Event) SubjectID() string    { return e.subjectID }
func (e Event) SubjectTitle() string { return e.subjectTitle }
func (e Event) BoardID() string      { return e.boardID }
func (e Event) BoardName() string    { return e.boardName }
func (e Event) ActorID() string      { return e.actorID }
func (e Event) IsZero() bool         { return e.typ == "" }

// Meta returns a single metadata value.
func (e Event) Meta(key string) string { return e.metadata[key] }

// Metadata returns a copy of the event metadata.
func (e Event) Metadata() map[string]string {
	out := maps.Clone(e.metadata)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// Input returns the event as an EventInput, e.g. for JSON encoding.
func (e Event) Input() EventInput {
	return EventInput{
		Type:         e.typ,
		SubjectID:    e.subjectID,
		SubjectTitle: e.subjectTitle,
		BoardID:      e.boardID,
		BoardName:    e.boardName,
		ActorID:      e.actorID,
		Metadata:     e.Metadata(),
	}
}
