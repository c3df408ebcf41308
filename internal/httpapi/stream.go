package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"tasknotify/internal/realtime"
	logx "tasknotify/pkg/logx"
)

var streamHeartbeat = 15 * time.Second

// streamBuffer bounds the per-connection queue; a slow client drops events.
const streamBuffer = 64

// roomAccess checks that uid may use room. Inbox rooms belong to one user.
func roomAccess(c *gin.Context, room, uid string) bool {
	if !realtime.ValidRoom(room) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown room"})
		return false
	}
	if realtime.Kind(room) == realtime.KindInbox && room != realtime.InboxRoom(uid) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not your inbox"})
		return false
	}
	return true
}

// stream relays every envelope of a room as server-sent events.
func (h *handlers) stream(c *gin.Context) {
	uid := UserID(c)
	name := c.Param("room")
	if !roomAccess(c, name, uid) {
		return
	}
	ctx := c.Request.Context()
	room, err := h.d.Realtime.Join(ctx, name, uid)
	if err != nil {
		serverError(c, h.log, "join failed", err)
		return
	}
	defer room.Unsubscribe()

	events := make(chan realtime.Envelope, streamBuffer)
	enqueue := func(env realtime.Envelope) {
		select {
		case events <- env:
		default:
		}
	}
	room.On(realtime.AnyEvent, enqueue)

	// Typing rooms also get the expiring set of typers, so clients do not
	// need their own timers.
	if realtime.Kind(name) == realtime.KindTyping {
		var tracker *realtime.TypingTracker
		tracker = realtime.NewTypingTracker(nil, uid,
			realtime.WithTypingExpiry(h.d.TypingExpiry),
			realtime.WithTypingChange(func([]string) { enqueue(typingState(tracker)) }),
		)
		defer tracker.Stop()
		room.On(realtime.EventTyping, tracker.Handle)
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	h.log.Debug("stream opened", logx.String("room", name), logx.String("user", uid))
	tick := time.NewTicker(streamHeartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("stream closed", logx.String("room", name), logx.String("user", uid))
			return
		case <-h.d.Draining:
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		case env := <-events:
			data, err := sonic.Marshal(env)
			if err != nil {
				h.log.Warn("stream encode failed", logx.String("room", name), logx.Err(err))
				continue
			}
			// The event name travels inside the JSON body only. Raw line
			// breaks can only be JSON whitespace here, so they become spaces.
			data = bytes.Map(flattenLine, data)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			w.Flush()
		}
	}
}

// EventTypingState carries the current typers of a typing room.
const EventTypingState = "typing_state"

type typerView struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

func typingState(t *realtime.TypingTracker) realtime.Envelope {
	names := t.Names()
	typers := make([]typerView, 0, len(names))
	for _, id := range t.Active() {
		typers = append(typers, typerView{UserID: id, Name: names[id]})
	}
	raw, _ := sonic.Marshal(map[string]any{"typers": typers})
	return realtime.Envelope{Event: EventTypingState, Payload: raw, SentAt: time.Now()}
}

func flattenLine(r rune) rune {
	if r == '\r' || r == '\n' {
		return ' '
	}
	return r
}

type roomEventRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// roomEvent broadcasts one client event. The sender id comes from the token.
func (h *handlers) roomEvent(c *gin.Context) {
	uid := UserID(c)
	name := c.Param("room")
	if !roomAccess(c, name, uid) {
		return
	}
	if realtime.Kind(name) == realtime.KindInbox {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "inbox rooms are server-only"})
		return
	}
	var req roomEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	event := strings.TrimSpace(req.Event)
	if !realtime.ValidEvent(event) {
		badRequest(c, errors.New("event must match [a-z0-9_.-]{1,64}"))
		return
	}
	err := h.d.Realtime.Publish(c.Request.Context(), name, realtime.Envelope{
		Event:   event,
		UserID:  uid,
		Payload: req.Payload,
	})
	if err != nil {
		serverError(c, h.log, "broadcast failed", err)
		return
	}
	c.Status(http.StatusAccepted)
}
