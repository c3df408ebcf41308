package notify

import "fmt"

// Channel is a delivery channel.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every channel in dispatch order.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelPush}

// Status is the result kind of one delivery attempt.
type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// SkipReason explains a skipped outcome.
type SkipReason string

const (
	SkipSelf               SkipReason = "self"
	SkipPreferenceDisabled SkipReason = "preference_disabled"
	SkipNoSubscriptions    SkipReason = "no_subscriptions"
	SkipDuplicate          SkipReason = "duplicate"
)

// Outcome is the result for one (recipient, channel) pair.
type Outcome struct {
	UserID  string     `json:"user_id"`
	Channel Channel    `json:"channel"`
	Status  Status     `json:"status"`
	Reason  SkipReason `json:"reason,omitempty"`
	Err     error      `json:"-"`
	Error   string     `json:"error,omitempty"`
}

func Sent(userID string, ch Channel) Outcome {
	return Outcome{UserID: userID, Channel: ch, Status: StatusSent}
}

func Skipped(userID string, ch Channel, reason SkipReason) Outcome {
	return Outcome{UserID: userID, Channel: ch, Status: StatusSkipped, Reason: reason}
}

func Failed(userID string, ch Channel, err error) Outcome {
	o := Outcome{UserID: userID, Channel: ch, Status: StatusFailed, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusSkipped:
		return fmt.Sprintf("%s/%s: skipped(%s)", o.UserID, o.Channel, o.Reason)
	case StatusFailed:
		return fmt.Sprintf("%s/%s: failed(%s)", o.UserID, o.Channel, o.Error)
	default:
		return fmt.Sprintf("%s/%s: %s", o.UserID, o.Channel, o.Status)
	}
}
