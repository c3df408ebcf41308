package realtime

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	EventTyping = "typing"

	// TypingThrottle is the minimum gap between two typing sends from one client.
	TypingThrottle = 500 * time.Millisecond
	// TypingExpiry is how long a typer stays visible without a new event.
	TypingExpiry = 3 * time.Second
)

// TypingPayload is carried by typing events.
type TypingPayload struct {
	Name string `json:"name,omitempty"`
}

// TypingSender emits typing events at most once per TypingThrottle.
type TypingSender struct {
	room      Room
	name      string
	sometimes *rate.Sometimes
}

func NewTypingSender(room Room, displayName string) *TypingSender {
	return &TypingSender{room: room, name: displayName, sometimes: &rate.Sometimes{Interval: TypingThrottle}}
}

// Typing is called on every keystroke. It reports whether an event was sent.
func (s *TypingSender) Typing(ctx context.Context) bool {
	sent := false
	s.sometimes.Do(func() {
		sent = s.room.Send(ctx, EventTyping, TypingPayload{Name: s.name}) == nil
	})
	return sent
}

// TypingTracker keeps the set of users currently typing in a room.
// Each user expires independently after the expiry window; a new event
// resets that user's window. The tracker ignores its own echo.
type TypingTracker struct {
	self   string
	expiry time.Duration

	mu       sync.Mutex
	typers   map[string]*typer
	stopped  bool
	onChange func(active []string)
}

type typer struct {
	name  string
	gen   uint64
	timer *time.Timer
}

// TypingOption configures a TypingTracker.
type TypingOption func(*TypingTracker)

// WithTypingExpiry overrides TypingExpiry.
func WithTypingExpiry(d time.Duration) TypingOption {
	return func(t *TypingTracker) {
		if d > 0 {
			t.expiry = d
		}
	}
}

// WithTypingChange is called (outside the lock) whenever the set changes.
func WithTypingChange(fn func(active []string)) TypingOption {
	return func(t *TypingTracker) { t.onChange = fn }
}

// NewTypingTracker attaches a tracker to room. selfUserID's own events are ignored.
func NewTypingTracker(room Room, selfUserID string, opts ...TypingOption) *TypingTracker {
	t := &TypingTracker{self: selfUserID, expiry: TypingExpiry, typers: map[string]*typer{}}
	for _, o := range opts {
		o(t)
	}
	if room != nil {
		room.On(EventTyping, t.Handle)
	}
	return t
}

// Handle processes one typing envelope.
func (t *TypingTracker) Handle(env Envelope) {
	if env.UserID == "" || env.UserID == t.self {
		return
	}
	var p TypingPayload
	_ = env.Decode(&p)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	tp, existed := t.typers[env.UserID]
	if !existed {
		tp = &typer{}
		t.typers[env.UserID] = tp
	}
	if p.Name != "" {
		tp.name = p.Name
	}
	tp.gen++
	gen := tp.gen
	if tp.timer != nil {
		tp.timer.Stop()
	}
	userID := env.UserID
	tp.timer = time.AfterFunc(t.expiry, func() { t.expire(userID, gen) })
	t.mu.Unlock()

	if !existed {
		t.changed()
	}
}

func (t *TypingTracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	tp, ok := t.typers[userID]
	// A newer event rescheduled this user; this timer is stale.
	if !ok || tp.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typers, userID)
	t.mu.Unlock()
	t.changed()
}

func (t *TypingTracker) changed() {
	if t.onChange != nil {
		t.onChange(t.Active())
	}
}

// Active returns the ids of users currently typing, sorted.
func (t *TypingTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typers))
	for id := range t.typers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Names returns display names of active typers keyed by user id.
func (t *TypingTracker) Names() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.typers))
	for id, tp := range t.typers {
		out[id] = tp.name
	}
	return out
}

// Stop cancels every pending expiry and clears the set.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, tp := range t.typers {
		if tp.timer != nil {
			tp.timer.Stop()
		}
		delete(t.typers, id)
	}
}
