package realtime

import (
	"context"
	"fmt"
)

// Chat sync events. They carry no body; listeners refetch from the store.
const (
	SyncMessageCreated  = "message_created"
	SyncMessageUpdated  = "message_updated"
	SyncReactionChanged = "reaction_changed"
)

var syncKinds = []string{SyncMessageCreated, SyncMessageUpdated, SyncReactionChanged}

// SyncBroadcaster pings a chat-sync room after a chat write.
type SyncBroadcaster struct {
	room Room
}

func NewSyncBroadcaster(room Room) *SyncBroadcaster { return &SyncBroadcaster{room: room} }

// Emit broadcasts kind with the sender's id and no payload.
func (b *SyncBroadcaster) Emit(ctx context.Context, kind string) error {
	if !validSyncKind(kind) {
		return fmt.Errorf("realtime: unknown sync kind %q", kind)
	}
	return b.room.Send(ctx, kind, nil)
}

// SyncListener calls refetch for sync events sent by other users.
type SyncListener struct {
	self    string
	refetch func(kind string)
}

// NewSyncListener attaches to room. Events from selfUserID are ignored.
func NewSyncListener(room Room, selfUserID string, refetch func(kind string)) *SyncListener {
	l := &SyncListener{self: selfUserID, refetch: refetch}
	if room != nil {
		for _, k := range syncKinds {
			room.On(k, l.Handle)
		}
	}
	return l
}

func (l *SyncListener) Handle(env Envelope) {
	if env.UserID == l.self || !validSyncKind(env.Event) || l.refetch == nil {
		return
	}
	l.refetch(env.Event)
}

func validSyncKind(k string) bool {
	for _, s := range syncKinds {
		if s == k {
			return true
		}
	}
	return false
}
