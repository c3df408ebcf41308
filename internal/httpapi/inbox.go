package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/notify"
	"tasknotify/internal/storage"
)

func (h *handlers) listNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.d.Store.ListNotifications(c.Request.Context(), UserID(c), limit)
	if err != nil {
		serverError(c, h.log, "listing notifications failed", err)
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func (h *handlers) unreadCount(c *gin.Context) {
	n, err := h.d.Store.UnreadCount(c.Request.Context(), UserID(c))
	if err != nil {
		serverError(c, h.log, "counting unread failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *handlers) markRead(c *gin.Context) {
	err := h.d.Store.MarkRead(c.Request.Context(), UserID(c), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case err != nil:
		serverError(c, h.log, "mark read failed", err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) markAllRead(c *gin.Context) {
	n, err := h.d.Store.MarkAllRead(c.Request.Context(), UserID(c))
	if err != nil {
		serverError(c, h.log, "mark all read failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *handlers) getPreferences(c *gin.Context) {
	prefs, err := h.d.Store.EnsurePreferences(c.Request.Context(), UserID(c))
	if err != nil {
		serverError(c, h.log, "loading preferences failed", err)
		return
	}
	c.JSON(http.StatusOK, prefs.Resolved())
}

func (h *handlers) putPreferences(c *gin.Context) {
	var partial map[string]bool
	if err := c.ShouldBindJSON(&partial); err != nil {
		badRequest(c, err)
		return
	}
	prefs, err := h.d.Store.UpsertPreferences(c.Request.Context(), UserID(c), partial)
	if err != nil {
		var unknown *notify.UnknownFlagError
		if errors.As(err, &unknown) {
			badRequest(c, err)
			return
		}
		serverError(c, h.log, "saving preferences failed", err)
		return
	}
	c.JSON(http.StatusOK, prefs.Resolved())
}

type subscribeRequest struct {
	Endpoint string          `json:"endpoint" binding:"required"`
	Keys     notify.PushKeys `json:"keys"`
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func (h *handlers) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if !validEndpoint(endpoint) {
		badRequest(c, errors.New("endpoint must be an absolute http(s) URL"))
		return
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		badRequest(c, errors.New("keys.p256dh and keys.auth are required"))
		return
	}
	sub, err := h.d.Store.UpsertSubscription(c.Request.Context(), UserID(c), endpoint, req.Keys)
	if err != nil {
		serverError(c, h.log, "saving subscription failed", err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// unsubscribe is idempotent: an unknown endpoint still answers 204.
func (h *handlers) unsubscribe(c *gin.Context) {
	endpoint := strings.TrimSpace(c.Query("endpoint"))
	if endpoint == "" {
		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		endpoint = strings.TrimSpace(req.Endpoint)
	}
	if endpoint == "" {
		badRequest(c, errors.New("endpoint is required"))
		return
	}
	err := h.d.Store.DeleteSubscriptionByEndpoint(c.Request.Context(), UserID(c), endpoint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		serverError(c, h.log, "removing subscription failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) vapidKey(c *gin.Context) {
	if h.d.VAPIDPublicKey == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "push is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.d.VAPIDPublicKey})
}
