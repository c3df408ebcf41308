package notify

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Push flags. Email flags are derived from event types, see EmailFlag.
const (
	FlagPushEnabled     = "push_enabled"
	FlagPushChatEnabled = "push_chat_enabled"
)

// EmailFlag is the preference flag that gates email for t.
func EmailFlag(t EventType) string { return "email_" + string(t) }

// Flags lists every known preference flag in a stable order.
func Flags() []string {
	out := make([]string, 0, len(EventTypes)+2)
	for _, t := range EventTypes {
		out = append(out, EmailFlag(t))
	}
	return append(out, FlagPushEnabled, FlagPushChatEnabled)
}

// KnownFlag reports whether name is a preference flag.
func KnownFlag(name string) bool {
	return slices.Contains(Flags(), name)
}

// UnknownFlagError is returned when an update names a flag that does not exist.
type UnknownFlagError struct{ Flag string }

func (e *UnknownFlagError) Error() string { return fmt.Sprintf("unknown preference flag %q", e.Flag) }

// Preferences is a user's channel opt-in/opt-out record.
//
// A missing flag means enabled. The zero value enables everything, which is
// also what callers should use when no record exists.
type Preferences struct {
	UserID string          `json:"user_id"`
	Flags  map[string]bool `json:"flags"`
}

// Enabled reports whether flag is on. Absent flags are on.
func (p Preferences) Enabled(flag string) bool {
	v, ok := p.Flags[flag]
	return !ok || v
}

// EmailEnabled reports whether email for t is on.
func (p Preferences) EmailEnabled(t EventType) bool { return p.Enabled(EmailFlag(t)) }

// PushEnabled reports whether push is on. Chat pushes use their own flag.
func (p Preferences) PushEnabled(chat bool) bool {
	if chat {
		return p.Enabled(FlagPushChatEnabled)
	}
	return p.Enabled(FlagPushEnabled)
}

// Resolved returns every known flag with its effective value.
func (p Preferences) Resolved() map[string]bool {
	out := make(map[string]bool, len(EventTypes)+2)
	for _, f := range Flags() {
		out[f] = p.Enabled(f)
	}
	return out
}

// Merge returns p with partial applied. Keys are trimmed before they are
// stored; unknown keys are rejected.
func (p Preferences) Merge(partial map[string]bool) (Preferences, error) {
	if err := ValidateFlags(partial); err != nil {
		return p, err
	}
	out := Preferences{UserID: p.UserID, Flags: maps.Clone(p.Flags)}
	if out.Flags == nil {
		out.Flags = make(map[string]bool, len(partial))
	}
	maps.Copy(out.Flags, normalizeFlags(partial))
	return out, nil
}

func normalizeFlags(flags map[string]bool) map[string]bool {
	out := make(map[string]bool, len(flags))
	for _, k := range slices.Sorted(maps.Keys(flags)) {
		out[strings.TrimSpace(k)] = flags[k]
	}
	return out
}

// ValidateFlags rejects unknown flag names.
func ValidateFlags(flags map[string]bool) error {
	keys := slices.Sorted(maps.Keys(flags))
	for _, k := range keys {
		if !KnownFlag(strings.TrimSpace(k)) {
			return &UnknownFlagError{Flag: k}
		}
	}
	return nil
}
