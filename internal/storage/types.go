package storage

import (
	"context"
	"errors"
	"time"

	"tasknotify/internal/notify"
)

// ErrNotFound is returned when a lookup or targeted update matches zero rows.
var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file ("sqlite3" is accepted too)
//   - "memory": process-local maps, lost on restart
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PreferenceStore reads and writes per-user channel preferences.
type PreferenceStore interface {
	// GetPreferences returns found=false when the user has no row.
	GetPreferences(ctx context.Context, userID string) (prefs notify.Preferences, found bool, err error)
	// EnsurePreferences creates an all-enabled row if none exists.
	EnsurePreferences(ctx context.Context, userID string) (notify.Preferences, error)
	// UpsertPreferences applies a partial flag update. Unknown flags are rejected.
	UpsertPreferences(ctx context.Context, userID string, partial map[string]bool) (notify.Preferences, error)
}

// SubscriptionRegistry stores push subscriptions, unique per (user, endpoint).
type SubscriptionRegistry interface {
	ListSubscriptions(ctx context.Context, userID string) ([]notify.PushSubscription, error)
	UpsertSubscription(ctx context.Context, userID, endpoint string, keys notify.PushKeys) (notify.PushSubscription, error)
	// DeleteSubscriptions removes rows by id. Missing ids are ignored.
	DeleteSubscriptions(ctx context.Context, ids []string) (int64, error)
	DeleteSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error
}

// NotificationWriter persists in-app notifications.
type NotificationWriter interface {
	InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// NotificationStore is the inbox view of persisted notifications.
type NotificationStore interface {
	NotificationWriter
	ListNotifications(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	// PruneRead deletes read notifications whose read time is before cutoff.
	PruneRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserDirectory resolves users for email addressing and mention matching.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (notify.User, error)
	ListUsers(ctx context.Context, ids []string) ([]notify.User, error)
	AllUsers(ctx context.Context) ([]notify.User, error)
	UpsertUser(ctx context.Context, u notify.User) error
}

// Store is the full persistence API.
type Store interface {
	PreferenceStore
	SubscriptionRegistry
	NotificationStore
	UserDirectory
	Close() error
}

const defaultListLimit = 50
const maxListLimit = 200

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
