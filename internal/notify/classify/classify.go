// Package classify turns task mutations into notification events and their
// raw recipient candidates. It is pure: no I/O, no clocks.
package classify

import (
	"slices"
	"time"

	"tasknotify/internal/notify"
	logx "tasknotify/pkg/logx"
)

// TaskState is a snapshot of the task fields the pipeline cares about.
type TaskState struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	BoardID       string     `json:"board_id"`
	BoardName     string     `json:"board_name,omitempty"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	AssigneeID    string     `json:"assignee_id,omitempty"`
	CreatorID     string     `json:"creator_id"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Collaborators []string   `json:"collaborators,omitempty"`
}

// TaskChange is a task write. Before is nil for a newly created task.
type TaskChange struct {
	Before    *TaskState `json:"before,omitempty"`
	After     *TaskState `json:"after"`
	ActorID   string     `json:"actor_id"`
	ActorName string     `json:"actor_name,omitempty"`
}

// CommentAdded is a new comment on a task.
type CommentAdded struct {
	Task       TaskState `json:"task"`
	CommentID  string    `json:"comment_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
}

// SubmissionCreated is a work submission on a task.
type SubmissionCreated struct {
	Task          TaskState `json:"task"`
	SubmissionID  string    `json:"submission_id"`
	SubmitterID   string    `json:"submitter_id"`
	SubmitterName string    `json:"submitter_name,omitempty"`
}

// Classified is one event plus its raw candidates, before dedup and
// self-suppression.
type Classified struct {
	Event      notify.Event
	Candidates []notify.Recipient
}

// Classifier derives events. The zero value logs nothing.
type Classifier struct {
	log logx.Logger
}

func New(log logx.Logger) *Classifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Classifier{log: log.With(logx.String("comp", "classify"))}
}

const dueDateLayout = "2006-01-02"

// TaskChanged classifies a task create/update.
func (c *Classifier) TaskChanged(ch TaskChange) []Classified {
	after := ch.After
	if after == nil {
		c.log.Warn("task change without after state dropped", logx.String("actor", ch.ActorID))
		return nil
	}
	before := ch.Before
	if before == nil {
		before = &TaskState{ID: after.ID, BoardID: after.BoardID, Status: after.Status, Priority: after.Priority, CreatorID: after.CreatorID, DueDate: after.DueDate}
	}

	b := c.builder(*after, ch.ActorID, ch.ActorName)
	var out []Classified

	if before.AssigneeID != after.AssigneeID {
		if after.AssigneeID != "" {
			out = b.emit(out, notify.TaskAssigned, nil,
				withoutActor(ch.ActorID, recipient(after.AssigneeID, notify.RoleAssignee)))
		}
		if before.AssigneeID != "" {
			out = b.emit(out, notify.TaskUnassigned, nil,
				withoutActor(ch.ActorID, recipient(before.AssigneeID, notify.RoleAssignee)))
		}
	}

	if ch.Before != nil && before.Status != after.Status {
		cands := recipient(after.AssigneeID, notify.RoleAssignee)
		if after.CreatorID != after.AssigneeID {
			cands = append(cands, recipient(after.CreatorID, notify.RoleCreator)...)
		}
		out = b.emit(out, notify.StatusChanged, map[string]string{
			"old_status": before.Status,
			"new_status": after.Status,
		}, cands)
	}

	if ch.Before != nil && before.Priority != after.Priority {
		out = b.emit(out, notify.PriorityChanged, map[string]string{
			"old_priority": before.Priority,
			"new_priority": after.Priority,
		}, defaultRecipients(*after, ch.ActorID))
	}

	if ch.Before != nil && !sameDay(before.DueDate, after.DueDate) {
		md := map[string]string{"new_due_date": formatDue(after.DueDate)}
		if before.DueDate != nil {
			md["old_due_date"] = formatDue(before.DueDate)
		}
		out = b.emit(out, notify.DueDateChanged, md, defaultRecipients(*after, ch.ActorID))
	}

	added, removed := diffIDs(before.Collaborators, after.Collaborators)
	for _, id := range added {
		out = b.emit(out, notify.CollaboratorAdded, nil, recipient(id, notify.RoleCollaborator))
	}
	for _, id := range removed {
		out = b.emit(out, notify.CollaboratorRemoved, nil, recipient(id, notify.RoleCollaborator))
	}
	return out
}

// CommentAdded classifies a comment into a new_comment event and, when the
// text mentions known users, a mention event. users is the directory used
// for mention resolution.
func (c *Classifier) CommentAdded(ca CommentAdded, users []notify.User) []Classified {
	b := c.builder(ca.Task, ca.AuthorID, ca.AuthorName)
	preview := notify.Preview(ca.Text)

	var out []Classified
	md := map[string]string{"comment_preview": preview}
	if ca.CommentID != "" {
		md["comment_id"] = ca.CommentID
	}
	out = b.emit(out, notify.NewComment, md, defaultRecipients(ca.Task, ca.AuthorID))

	mentioned := ResolveMentions(ca.Text, users)
	if len(mentioned) > 0 {
		by := ca.AuthorName
		if by == "" {
			by = ca.AuthorID
		}
		cands := make([]notify.Recipient, 0, len(mentioned))
		for _, u := range mentioned {
			cands = append(cands, recipient(u.ID, notify.RoleMentioned)...)
		}
		mmd := map[string]string{"mentioned_by": by, "comment_preview": preview}
		if ca.CommentID != "" {
			mmd["comment_id"] = ca.CommentID
		}
		out = b.emit(out, notify.Mention, mmd, cands)
	}
	return out
}

// SubmissionCreated classifies a work submission.
func (c *Classifier) SubmissionCreated(s SubmissionCreated) []Classified {
	b := c.builder(s.Task, s.SubmitterID, s.SubmitterName)
	by := s.SubmitterName
	if by == "" {
		by = s.SubmitterID
	}
	md := map[string]string{"submitted_by": by}
	if s.SubmissionID != "" {
		md["submission_id"] = s.SubmissionID
	}
	return b.emit(nil, notify.NewSubmission, md, defaultRecipients(s.Task, s.SubmitterID))
}

type builder struct {
	log       logx.Logger
	task      TaskState
	actorID   string
	actorName string
}

func (c *Classifier) builder(task TaskState, actorID, actorName string) builder {
	log := c.log
	if log.IsZero() {
		log = logx.Nop()
	}
	return builder{log: log, task: task, actorID: actorID, actorName: actorName}
}

// emit validates and appends one event. Events with no candidates are not emitted.
func (b builder) emit(out []Classified, t notify.EventType, md map[string]string, cands []notify.Recipient) []Classified {
	if len(cands) == 0 {
		return out
	}
	if md == nil {
		md = map[string]string{}
	}
	if b.actorName != "" {
		md["actor_name"] = b.actorName
	}
	ev, err := notify.NewEvent(notify.EventInput{
		Type:         t,
		SubjectID:    b.task.ID,
		SubjectTitle: b.task.Title,
		BoardID:      b.task.BoardID,
		BoardName:    b.task.BoardName,
		ActorID:      b.actorID,
		Metadata:     md,
	})
	if err != nil {
		b.log.Warn("malformed event dropped", logx.String("type", string(t)), logx.String("task", b.task.ID), logx.Err(err))
		return out
	}
	return append(out, Classified{Event: ev, Candidates: cands})
}

func recipient(userID string, role notify.Role) []notify.Recipient {
	if userID == "" {
		return nil
	}
	return []notify.Recipient{{UserID: userID, Role: role}}
}

// defaultRecipients is {assignee, creator} minus the actor.
func defaultRecipients(task TaskState, actorID string) []notify.Recipient {
	cands := append(recipient(task.AssigneeID, notify.RoleAssignee), recipient(task.CreatorID, notify.RoleCreator)...)
	return withoutActor(actorID, cands)
}

func withoutActor(actorID string, cands []notify.Recipient) []notify.Recipient {
	return slices.DeleteFunc(cands, func(r notify.Recipient) bool { return r.UserID == actorID })
}

func diffIDs(before, after []string) (added, removed []string) {
	for _, id := range after {
		if id != "" && !slices.Contains(before, id) && !slices.Contains(added, id) {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if id != "" && !slices.Contains(after, id) && !slices.Contains(removed, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Format(dueDateLayout) == b.UTC().Format(dueDateLayout)
}

func formatDue(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(dueDateLayout)
}
