// Package realtime is the at-most-once broadcast layer: ephemeral typing
// indicators, chat sync pings and inbox refresh signals.
//
// Messages are never persisted. The durable store stays authoritative;
// clients refetch when a signal arrives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	logx "tasknotify/pkg/logx"
)

// Room name prefixes.
const (
	KindTyping   = "typing"
	KindChatSync = "chat-sync"
	KindInbox    = "inbox"
)

func TypingRoom(channelID string) string   { return KindTyping + ":" + channelID }
func ChatSyncRoom(channelID string) string { return KindChatSync + ":" + channelID }
func InboxRoom(userID string) string       { return KindInbox + ":" + userID }

// Kind returns the prefix of a room name ("typing" for "typing:c1").
func Kind(room string) string {
	if i := strings.IndexByte(room, ':'); i > 0 {
		return room[:i]
	}
	return room
}

// ValidRoom reports whether room has a known prefix and a non-empty id.
func ValidRoom(room string) bool {
	kind, id, ok := strings.Cut(room, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return false
	}
	switch kind {
	case KindTyping, KindChatSync, KindInbox:
		return true
	}
	return false
}

var eventName = regexp.MustCompile(`^[a-z0-9_.-]{1,64}$`)

// ErrInvalidEvent is returned when an event name is not a short lowercase token.
var ErrInvalidEvent = errors.New("realtime: invalid event name")

// ValidEvent reports whether name is safe to broadcast and relay verbatim.
func ValidEvent(name string) bool { return eventName.MatchString(name) }

// AnyEvent registers a handler for every event in a room.
const AnyEvent = "*"

var ErrClosed = errors.New("realtime: room closed")

// Envelope is the wire form of every broadcast.
type Envelope struct {
	Event   string          `json:"event"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return sonic.Unmarshal(e.Payload, v)
}

// Handler receives envelopes on the room's delivery goroutine.
type Handler func(Envelope)

// Room is one joined channel.
type Room interface {
	Name() string
	// On registers h for event (or AnyEvent).
	On(event string, h Handler)
	// Send broadcasts event with the joining user's id attached.
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe()
}

// Transport joins rooms and publishes server-side envelopes.
type Transport interface {
	Join(ctx context.Context, room, selfUserID string) (Room, error)
	// Publish broadcasts env as-is (used by the server, e.g. inbox signals).
	Publish(ctx context.Context, room string, env Envelope) error
	Close() error
}

// Observer is notified of every successful send.
type Observer interface {
	Broadcast(kind, event string)
}

// Options shared by transports.
type Options struct {
	Log      logx.Logger
	Observer Observer
	// Buffer is the per-subscriber queue; slow subscribers drop beyond it.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	return o
}

// backend is the minimal pub/sub a transport provides.
type backend interface {
	publish(ctx context.Context, room string, data []byte) error
	subscribe(ctx context.Context, room string) (msgs <-chan []byte, cancel func(), err error)
}

func encode(env Envelope) ([]byte, error) {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	b, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return sonic.Marshal(v)
}

func publishEnvelope(ctx context.Context, b backend, opts Options, room string, env Envelope) error {
	if !ValidEvent(env.Event) {
		return fmt.Errorf("%w: %q", ErrInvalidEvent, env.Event)
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, room, data); err != nil {
		return err
	}
	if opts.Observer != nil {
		opts.Observer.Broadcast(Kind(room), env.Event)
	}
	return nil
}

func join(ctx context.Context, b backend, opts Options, name, self string) (Room, error) {
	if !ValidRoom(name) {
		return nil, fmt.Errorf("realtime: invalid room %q", name)
	}
	msgs, cancel, err := b.subscribe(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", name, err)
	}
	r := &room{
		name:     name,
		self:     self,
		b:        b,
		opts:     opts,
		log:      opts.Log.With(logx.String("room", name)),
		handlers: map[string][]Handler{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.loop(msgs)
	return r, nil
}

type room struct {
	name string
	self string
	b    backend
	opts Options
	log  logx.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	cancel func()
	once   sync.Once
	done   chan struct{} // closed when the delivery loop exits
}

func (r *room) Name() string { return r.name }

func (r *room) On(event string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], h)
	r.mu.Unlock()
}

func (r *room) Send(ctx context.Context, event string, payload any) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return publishEnvelope(ctx, r.b, r.opts, r.name, Envelope{Event: event, UserID: r.self, Payload: raw})
}

func (r *room) Unsubscribe() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
	})
}

func (r *room) loop(msgs <-chan []byte) {
	defer close(r.done)
	for data := range msgs {
		var env Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			r.log.Debug("undecodable envelope dropped", logx.Err(err))
			continue
		}
		r.dispatch(env)
	}
}

func (r *room) dispatch(env Envelope) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	hs := append(append([]Handler(nil), r.handlers[env.Event]...), r.handlers[AnyEvent]...)
	r.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("realtime handler panicked", logx.String("event", env.Event), logx.Any("panic", p))
				}
			}()
			h(env)
		}()
	}
}
