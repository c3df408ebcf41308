package notify

import (
	"errors"
	"testing"
)

func TestNewEventRequiresMetadataPerType(t *testing.T) {
	_, err := NewEvent(EventInput{
		Type:      StatusChanged,
		SubjectID: "t1",
		BoardID:   "b1",
		ActorID:   "u1",
		Metadata:  map[string]string{"old_status": "todo"},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Type != StatusChanged {
		t.Fatalf("unexpected type in error: %v", ve.Type)
	}

	ev, err := NewEvent(EventInput{
		Type:      StatusChanged,
		SubjectID: "t1",
		BoardID:   "b1",
		ActorID:   "u1",
		Metadata:  map[string]string{"old_status": "todo", "new_status": "done"},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Meta("new_status") != "done" {
		t.Fatalf("metadata not kept: %v", ev.Metadata())
	}
}

func TestNewEventRejectsMissingIdentity(t *testing.T) {
	for _, in := range []EventInput{
		{Type: TaskAssigned, BoardID: "b", ActorID: "a"},
		{Type: TaskAssigned, SubjectID: "s", ActorID: "a"},
		{Type: TaskAssigned, SubjectID: "s", BoardID: "b"},
		{Type: "archived", SubjectID: "s", BoardID: "b", ActorID: "a"},
	} {
		if _, err := NewEvent(in); err == nil {
			t.Fatalf("expected error for %+v", in)
		}
	}
}

func TestEventIsImmutable(t *testing.T) {
	md := map[string]string{"comment_preview": "hi"}
	ev, err := NewEvent(EventInput{Type: NewComment, SubjectID: "s", BoardID: "b", ActorID: "a", Metadata: md})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	md["comment_preview"] = "changed"
	got := ev.Metadata()
	got["comment_preview"] = "also changed"
	if ev.Meta("comment_preview") != "hi" {
		t.Fatalf("event metadata was mutated: %q", ev.Meta("comment_preview"))
	}
}

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType(" Mention ")
	if err != nil || got != Mention {
		t.Fatalf("ParseEventType = %v, %v", got, err)
	}
	if _, err := ParseEventType("board_deleted"); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}
