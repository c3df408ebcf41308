package classify

import (
	"testing"
	"time"

	"tasknotify/internal/notify"
	logx "tasknotify/pkg/logx"
)

func ids(rs []notify.Recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.UserID)
	}
	return out
}

func find(t *testing.T, out []Classified, typ notify.EventType) Classified {
	t.Helper()
	for _, c := range out {
		if c.Event.Type() == typ {
			return c
		}
	}
	t.Fatalf("no %s event in %d results", typ, len(out))
	return Classified{}
}

func baseTask() TaskState {
	return TaskState{ID: "t1", Title: "Write docs", BoardID: "b1", Status: "todo", Priority: "low", AssigneeID: "u1", CreatorID: "u2"}
}

func TestStatusChangedKeepsActorAsCandidate(t *testing.T) {
	before := baseTask()
	after := before
	after.Status = "done"

	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u2"})
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	c := find(t, out, notify.StatusChanged)
	got := ids(c.Candidates)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("candidates = %v, want [u1 u2]", got)
	}
	if c.Event.Meta("old_status") != "todo" || c.Event.Meta("new_status") != "done" {
		t.Fatalf("metadata = %v", c.Event.Metadata())
	}
	if c.Event.ActorID() != "u2" {
		t.Fatalf("actor = %s", c.Event.ActorID())
	}
}

func TestStatusChangedCreatorIsAssignee(t *testing.T) {
	before := baseTask()
	before.CreatorID = "u1"
	after := before
	after.Status = "doing"
	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u3"})
	if got := ids(find(t, out, notify.StatusChanged).Candidates); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("candidates = %v, want [u1]", got)
	}
}

func TestDefaultRuleRemovesActor(t *testing.T) {
	before := baseTask()
	after := before
	after.Priority = "high"
	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u1"})
	c := find(t, out, notify.PriorityChanged)
	if got := ids(c.Candidates); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("candidates = %v, want [u2]", got)
	}
}

func TestAssignmentChange(t *testing.T) {
	before := baseTask()
	after := before
	after.AssigneeID = "u3"
	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u2", ActorName: "Bob"})

	assigned := find(t, out, notify.TaskAssigned)
	if got := ids(assigned.Candidates); len(got) != 1 || got[0] != "u3" {
		t.Fatalf("assigned candidates = %v", got)
	}
	if assigned.Event.Meta("actor_name") != "Bob" {
		t.Fatalf("actor_name missing: %v", assigned.Event.Metadata())
	}
	unassigned := find(t, out, notify.TaskUnassigned)
	if got := ids(unassigned.Candidates); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("unassigned candidates = %v", got)
	}

	// Self-assignment yields nothing.
	after.AssigneeID = "u2"
	before.AssigneeID = ""
	out = New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u2"})
	for _, c := range out {
		if c.Event.Type() == notify.TaskAssigned {
			t.Fatalf("self assignment produced %v", ids(c.Candidates))
		}
	}
}

func TestCollaboratorDiffOneEventPerUser(t *testing.T) {
	before := baseTask()
	before.Collaborators = []string{"u4", "u5"}
	after := before
	after.Collaborators = []string{"u5", "u6", "u7"}
	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u2"})

	var added, removed []string
	for _, c := range out {
		switch c.Event.Type() {
		case notify.CollaboratorAdded:
			added = append(added, ids(c.Candidates)...)
			if len(c.Candidates) != 1 {
				t.Fatalf("collaborator event with %d candidates", len(c.Candidates))
			}
		case notify.CollaboratorRemoved:
			removed = append(removed, ids(c.Candidates)...)
		}
	}
	if len(added) != 2 || added[0] != "u6" || added[1] != "u7" {
		t.Fatalf("added = %v", added)
	}
	if len(removed) != 1 || removed[0] != "u4" {
		t.Fatalf("removed = %v", removed)
	}
}

func TestDueDateChange(t *testing.T) {
	before := baseTask()
	after := before
	d := time.Date(2026, 11, 3, 15, 0, 0, 0, time.UTC)
	after.DueDate = &d
	out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u9"})
	c := find(t, out, notify.DueDateChanged)
	if c.Event.Meta("new_due_date") != "2026-11-03" {
		t.Fatalf("new_due_date = %q", c.Event.Meta("new_due_date"))
	}

	// Same day, different time: no event.
	before.DueDate = &d
	later := d.Add(2 * time.Hour)
	after.DueDate = &later
	out = New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u9"})
	for _, c := range out {
		if c.Event.Type() == notify.DueDateChanged {
			t.Fatalf("same-day change produced an event")
		}
	}
}

func TestMalformedTaskIsDropped(t *testing.T) {
	before := baseTask()
	before.BoardID = ""
	after := before
	after.Status = "done"
	if out := New(logx.Nop()).TaskChanged(TaskChange{Before: &before, After: &after, ActorID: "u2"}); len(out) != 0 {
		t.Fatalf("event without board id was emitted")
	}
	if out := New(logx.Nop()).TaskChanged(TaskChange{ActorID: "u2"}); out != nil {
		t.Fatalf("nil after state should produce nothing")
	}
}

func TestCommentWithMentions(t *testing.T) {
	users := []notify.User{
		{ID: "u9", Name: "Jane Doe"},
		{ID: "u8", Name: "jd", CustomName: "Johnny"},
		{ID: "u1", Name: "Ann"},
	}
	out := New(logx.Nop()).CommentAdded(CommentAdded{
		Task:       baseTask(),
		CommentID:  "c1",
		AuthorID:   "u2",
		AuthorName: "Bob",
		Text:       "@{Jane Doe} please review, cc @{ johnny } and @{Nobody}",
	}, users)

	comment := find(t, out, notify.NewComment)
	if got := ids(comment.Candidates); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("comment candidates = %v, want [u1]", got)
	}
	mention := find(t, out, notify.Mention)
	if got := ids(mention.Candidates); len(got) != 2 || got[0] != "u9" || got[1] != "u8" {
		t.Fatalf("mention candidates = %v, want [u9 u8]", got)
	}
	if mention.Event.Meta("mentioned_by") != "Bob" {
		t.Fatalf("mentioned_by = %q", mention.Event.Meta("mentioned_by"))
	}
	for _, r := range mention.Candidates {
		if r.Role != notify.RoleMentioned {
			t.Fatalf("role = %s", r.Role)
		}
	}
}

func TestResolveMentions(t *testing.T) {
	users := []notify.User{{ID: "u9", Name: "Jane Doe"}}
	got := ResolveMentions("@{Jane Doe} please review", users)
	if len(got) != 1 || got[0].ID != "u9" {
		t.Fatalf("got %v, want [u9]", got)
	}
	if got := ResolveMentions("@UnknownName", users); len(got) != 0 {
		t.Fatalf("got %v, want none", got)
	}
	if got := ResolveMentions("@Jane Doe without braces", users); len(got) != 0 {
		t.Fatalf("old-style mention matched: %v", got)
	}
	if got := ResolveMentions("@{jane doe} @{JANE DOE}", users); len(got) != 1 {
		t.Fatalf("repeated mention not deduplicated: %v", got)
	}
}

func TestSubmissionCreated(t *testing.T) {
	out := New(logx.Nop()).SubmissionCreated(SubmissionCreated{Task: baseTask(), SubmissionID: "s1", SubmitterID: "u1"})
	c := find(t, out, notify.NewSubmission)
	if got := ids(c.Candidates); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("candidates = %v, want [u2]", got)
	}
	if c.Event.Meta("submitted_by") != "u1" {
		t.Fatalf("submitted_by = %q", c.Event.Meta("submitted_by"))
	}
}
