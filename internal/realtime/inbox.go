package realtime

import (
	"context"
)

// EventInboxChanged tells a user's open clients to refetch their inbox.
const EventInboxChanged = "inbox_changed"

// InboxSignal is the payload of EventInboxChanged.
type InboxSignal struct {
	NotificationID string `json:"notification_id,omitempty"`
	Type           string `json:"type,omitempty"`
}

// InboxNotifier publishes inbox signals through a Transport.
type InboxNotifier struct {
	T Transport
}

// SignalInbox publishes to inbox:{userID}. The envelope's user_id is the recipient.
func (n InboxNotifier) SignalInbox(ctx context.Context, userID, notificationID, notificationType string) error {
	if n.T == nil {
		return nil
	}
	raw, err := encodePayload(InboxSignal{NotificationID: notificationID, Type: notificationType})
	if err != nil {
		return err
	}
	return n.T.Publish(ctx, InboxRoom(userID), Envelope{Event: EventInboxChanged, UserID: userID, Payload: raw})
}
