// Package storage is the record store behind the notification pipeline.
//
// It holds:
//   - in-app notifications (source of truth for unread counts)
//   - per-user channel preferences
//   - push subscriptions
//   - the user directory (email address, display and custom names)
//
// Two drivers exist: "sqlite" (modernc.org/sqlite through sqlx) and
// "memory" for tests and ephemeral deployments.
package storage
