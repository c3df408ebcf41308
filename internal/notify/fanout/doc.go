// Package fanout delivers one notification event to its recipients across
// the in-app, email and push channels.
//
// For each event the engine:
//   - deduplicates candidates by user id (first role wins)
//   - suppresses the actor on every channel
//   - always writes the in-app notification and signals the recipient's inbox room
//   - gates email and push on the recipient's preferences (missing row or lookup error means enabled)
//   - sends push to every subscription concurrently and prunes dead endpoints in one batch
//
// Channels and recipients are independent: a failure in one never stops
// another. Nothing is returned to the caller as an error; every
// (recipient, channel) pair gets an Outcome in the Report.
package fanout
