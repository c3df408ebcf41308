package notify

import "time"

// PushSubscription is one browser/device push endpoint. Unique per
// (UserID, Endpoint).
type PushSubscription struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	P256dh    string    `json:"p256dh" db:"p256dh"`
	Auth      string    `json:"auth" db:"auth"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PushKeys are the client key material sent on subscribe.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Notification is a persisted in-app notification row.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id"`
	TaskTitle string            `json:"task_title"`
	BoardID   string            `json:"board_id"`
	BoardName string            `json:"board_name,omitempty"`
	ActorID   string            `json:"actor_id"`
	Metadata  map[string]string `json:"metadata"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
}

// NotificationFromEvent builds the in-app row for one recipient.
func NotificationFromEvent(ev Event, userID string) Notification {
	return Notification{
		UserID:    userID,
		Type:      ev.Type(),
		TaskID:    ev.SubjectID(),
		TaskTitle: ev.SubjectTitle(),
		BoardID:   ev.BoardID(),
		BoardName: ev.BoardName(),
		ActorID:   ev.ActorID(),
		Metadata:  ev.Metadata(),
	}
}
