package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/ingest"
	"tasknotify/internal/notify"
	"tasknotify/internal/notify/fanout"
	logx "tasknotify/pkg/logx"
)

// SystemActor is the actor recorded for deliveries that name none.
const SystemActor = "system"

type deliverRequest struct {
	Type        string         `json:"type" binding:"required"`
	TaskID      string         `json:"taskId" binding:"required"`
	TaskTitle   string         `json:"taskTitle"`
	BoardID     string         `json:"boardId" binding:"required"`
	BoardName   string         `json:"boardName"`
	ActorID     string         `json:"actorId"`
	RecipientID string         `json:"recipientId" binding:"required"`
	Metadata    map[string]any `json:"metadata"`
}

// looseMetadata flattens JSON metadata values to strings.
func looseMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

func (h *handlers) deliver(c *gin.Context) {
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	typ, err := notify.ParseEventType(req.Type)
	if err != nil {
		badRequest(c, err)
		return
	}
	actor := strings.TrimSpace(req.ActorID)
	if actor == "" {
		actor = SystemActor
	}
	ev, err := notify.NewEvent(notify.EventInput{
		Type:         typ,
		SubjectID:    req.TaskID,
		SubjectTitle: req.TaskTitle,
		BoardID:      req.BoardID,
		BoardName:    req.BoardName,
		ActorID:      actor,
		Metadata:     looseMetadata(req.Metadata),
	})
	if err != nil {
		h.log.Warn("deliver rejected", logx.Err(err))
		badRequest(c, err)
		return
	}
	rep := h.d.Engine.DeliverExternal(c.Request.Context(), ev, req.RecipientID)
	c.JSON(http.StatusOK, rep)
}

type pushSendRequest struct {
	UserID string `json:"userId" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Tag    string `json:"tag"`
	Type   string `json:"type"`
}

func (h *handlers) sendPush(c *gin.Context) {
	var req pushSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.d.Engine.SendPush(c.Request.Context(), req.UserID, fanout.PushMessage{
		Title: req.Title,
		Body:  req.Body,
		URL:   req.URL,
		Tag:   req.Tag,
		Type:  req.Type,
	})
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// mutations accepts one envelope. Delivery runs in the background and the
// route answers 202; with ?wait=true it answers 200 with the reports.
func (h *handlers) mutations(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.d.Ingest.HandleRaw(c.Request.Context(), ingest.SourceHTTP, raw)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidEnvelope) {
			badRequest(c, err)
			return
		}
		serverError(c, h.log, "mutation failed", err)
		return
	}
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"events": res.Events})
		return
	}
	reports, err := res.Wait(c.Request.Context())
	if err != nil {
		serverError(c, h.log, "waiting for delivery", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": res.Events, "reports": reports})
}

type userRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	CustomName string `json:"customName"`
}

func (h *handlers) upsertUser(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u := notify.User{ID: id, Email: strings.TrimSpace(req.Email), Name: req.Name, CustomName: req.CustomName}
	if err := h.d.Store.UpsertUser(c.Request.Context(), u); err != nil {
		serverError(c, h.log, "user upsert failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
