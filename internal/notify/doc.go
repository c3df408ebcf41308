// Package notify holds the data model shared by the notification pipeline:
// events, recipients, per-user channel preferences, push subscriptions and
// per-channel delivery outcomes.
//
// The package does no I/O. Classification lives in notify/classify and
// delivery orchestration in notify/fanout.
package notify
