package fanout

import (
	"context"
	"time"

	"tasknotify/internal/notify"
)

// PreferenceReader is the read side of the preference store.
type PreferenceReader interface {
	GetPreferences(ctx context.Context, userID string) (notify.Preferences, bool, error)
}

// SubscriptionStore lists and prunes push subscriptions.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, userID string) ([]notify.PushSubscription, error)
	DeleteSubscriptions(ctx context.Context, ids []string) (int64, error)
}

// NotificationWriter persists in-app notifications.
type NotificationWriter interface {
	InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// UserLookup resolves email addresses. ListUsers serves a whole dispatch
// in one query and omits unknown ids.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (notify.User, error)
	ListUsers(ctx context.Context, ids []string) ([]notify.User, error)
}

// InboxSignaler tells a user's open clients to refetch their inbox.
type InboxSignaler interface {
	SignalInbox(ctx context.Context, userID, notificationID, notificationType string) error
}

// Observer receives per-outcome and per-dispatch signals (metrics).
type Observer interface {
	Outcome(o notify.Outcome)
	DispatchStarted()
	DispatchFinished(d time.Duration)
	Pruned(n int)
}

// PushMessage is a push-only send request.
type PushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
	// Type is the notification kind; "chat" pushes use the push_chat_enabled flag.
	Type string `json:"type"`
}

// PushTypeChat selects the chat push preference.
const PushTypeChat = "chat"

// IsChat reports whether m is a chat push.
func (m PushMessage) IsChat() bool { return m.Type == PushTypeChat || m.Type == "chat_message" }

// PushResult summarizes a push fan-out for one user.
type PushResult struct {
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Removed int               `json:"removed"`
	Skipped notify.SkipReason `json:"skipped,omitempty"`
}

// Report is the full result of one dispatch.
type Report struct {
	Type      notify.EventType `json:"type"`
	SubjectID string           `json:"subject_id"`
	Outcomes  []notify.Outcome `json:"outcomes"`
	Pruned    int              `json:"pruned"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished"`
}

// For returns the outcome recorded for (userID, ch). For a user listed
// twice it returns the first (the processed one).
func (r Report) For(userID string, ch notify.Channel) (notify.Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.UserID == userID && o.Channel == ch {
			return o, true
		}
	}
	return notify.Outcome{}, false
}

// Count returns how many outcomes have status s.
func (r Report) Count(s notify.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Duration is Finished - Started.
func (r Report) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Completed is the payload of the fanout.completed bus event.
type Completed struct {
	Type       notify.EventType `json:"type"`
	SubjectID  string           `json:"subject_id"`
	Recipients int              `json:"recipients"`
	Sent       int              `json:"sent"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Pruned     int              `json:"pruned"`
	Duration   time.Duration    `json:"duration"`
}
