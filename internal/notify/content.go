package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// Content is the channel-neutral message for one event.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

const previewLimit = 140

// Render builds the message content for ev from its type and metadata.
func Render(ev Event) Content {
	return RenderFor(ev, "")
}

// RenderFor is Render addressed to a recipient who qualified through role.
// Task-wide updates name the relationship in the title; events that already
// address the recipient directly are unchanged.
func RenderFor(ev Event, role Role) Content {
	title := ev.SubjectTitle()
	if title == "" {
		title = "a task"
	}
	actor := ev.Meta("actor_name")
	if actor == "" {
		actor = "Someone"
	}

	c := Content{
		URL: TaskURL(ev.BoardID(), ev.SubjectID()),
		Tag: string(ev.Type()) + ":" + ev.SubjectID(),
	}
	switch ev.Type() {
	case TaskAssigned:
		c.Title = "You were assigned to " + title
		c.Body = actor + " assigned you to " + title + "."
	case TaskUnassigned:
		c.Title = "You were unassigned from " + title
		c.Body = actor + " removed you as assignee of " + title + "."
	case StatusChanged:
		c.Title = "Status changed: " + title
		c.Body = fmt.Sprintf("%s moved %s from %s to %s.", actor, title, ev.Meta("old_status"), ev.Meta("new_status"))
	case PriorityChanged:
		c.Title = "Priority changed: " + title
		c.Body = fmt.Sprintf("%s changed the priority of %s from %s to %s.", actor, title, ev.Meta("old_priority"), ev.Meta("new_priority"))
	case NewComment:
		c.Title = "New comment on " + title
		c.Body = Preview(ev.Meta("comment_preview"))
	case DueDateChanged:
		c.Title = "Due date changed: " + title
		c.Body = fmt.Sprintf("%s is now due %s.", title, ev.Meta("new_due_date"))
	case CollaboratorAdded:
		c.Title = "You were added to " + title
		c.Body = actor + " added you as a collaborator on " + title + "."
	case CollaboratorRemoved:
		c.Title = "You were removed from " + title
		c.Body = actor + " removed you as a collaborator on " + title + "."
	case Mention:
		c.Title = ev.Meta("mentioned_by") + " mentioned you in " + title
		c.Body = Preview(ev.Meta("comment_preview"))
	case NewSubmission:
		c.Title = "New submission on " + title
		c.Body = ev.Meta("submitted_by") + " submitted work for " + title + "."
	default:
		c.Title = title
	}
	if rel := roleRelation(role); rel != "" {
		if label, ok := taskWideLabels[ev.Type()]; ok {
			c.Title = label + " on " + rel + ": " + title
		}
	}
	if bn := ev.BoardName(); bn != "" && c.Body != "" {
		c.Body += " (" + bn + ")"
	}
	return c
}

var taskWideLabels = map[EventType]string{
	StatusChanged:   "Status changed",
	PriorityChanged: "Priority changed",
	NewComment:      "New comment",
	DueDateChanged:  "Due date changed",
	NewSubmission:   "New submission",
}

func roleRelation(role Role) string {
	switch role {
	case RoleCreator:
		return "a task you created"
	case RoleAssignee:
		return "a task assigned to you"
	case RoleCollaborator:
		return "a task you collaborate on"
	}
	return ""
}

// TaskURL is the app-relative link to a task on its board.
func TaskURL(boardID, taskID string) string {
	u := "/boards/" + url.PathEscape(boardID)
	if taskID != "" {
		u += "?task=" + url.QueryEscape(taskID)
	}
	return u
}

// Preview collapses whitespace and truncates s for notification bodies.
func Preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return strings.TrimSpace(string(r[:previewLimit-1])) + "…"
}
