// Package httpapi is the HTTP boundary: internal service-to-service routes,
// the user-facing inbox/preference/subscription API and realtime streams.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/config"
	"tasknotify/internal/ingest"
	"tasknotify/internal/notify"
	"tasknotify/internal/notify/fanout"
	"tasknotify/internal/realtime"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

// Deliverer runs delivery for the internal routes; *fanout.Engine implements it.
type Deliverer interface {
	DeliverExternal(ctx context.Context, ev notify.Event, recipientID string) fanout.Report
	SendPush(ctx context.Context, userID string, m fanout.PushMessage) (fanout.PushResult, error)
}

// Ingester accepts raw mutation envelopes; *ingest.Processor implements it.
type Ingester interface {
	HandleRaw(ctx context.Context, source string, raw []byte) (ingest.Result, error)
}

// Deps are the router's collaborators. Engine, Ingest and Store are required.
type Deps struct {
	Engine   Deliverer
	Ingest   Ingester
	Store    storage.Store
	Realtime realtime.Transport // nil disables the room routes

	Metrics interface {
		GinMiddleware() gin.HandlerFunc
		Handler() http.Handler
	}

	InternalToken  string
	JWTSecret      string
	VAPIDPublicKey string
	Pprof          config.PprofConfig

	// TypingExpiry overrides how long a typer stays listed on typing streams.
	TypingExpiry time.Duration

	// Draining, when closed, ends open streams so shutdown is not held up.
	Draining <-chan struct{}

	// Health reports extra state for /healthz (e.g. supervisor snapshot).
	Health func() any
	Log    logx.Logger
}

type handlers struct {
	d   Deps
	log logx.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "http"))
	h := &handlers{d: d, log: log}

	r := gin.New()
	r.Use(Recovery(log), RequestLog(log))
	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	r.GET("/healthz", h.health)

	api := r.Group("/api")

	internal := api.Group("", InternalAuth(d.InternalToken))
	internal.POST("/notifications/deliver", h.deliver)
	internal.POST("/push/send", h.sendPush)
	internal.POST("/mutations", h.mutations)
	internal.PUT("/users/:id", h.upsertUser)

	user := api.Group("", JWTAuth(d.JWTSecret))
	user.GET("/notifications", h.listNotifications)
	user.GET("/notifications/unread-count", h.unreadCount)
	user.PUT("/notifications/read-all", h.markAllRead)
	user.PUT("/notifications/:id/read", h.markRead)
	user.GET("/preferences", h.getPreferences)
	user.PUT("/preferences", h.putPreferences)
	user.POST("/push/subscriptions", h.subscribe)
	user.DELETE("/push/subscriptions", h.unsubscribe)
	user.GET("/push/vapid-key", h.vapidKey)
	if d.Realtime != nil {
		user.GET("/rooms/:room/stream", h.stream)
		user.POST("/rooms/:room/events", h.roomEvent)
	}

	mountPprof(r, d.Pprof, d.InternalToken, log)
	return r
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if h.d.Health != nil {
		body["runtime"] = h.d.Health()
	}
	c.JSON(http.StatusOK, body)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func serverError(c *gin.Context, log logx.Logger, msg string, err error) {
	log.Error(msg, logx.String("route", c.FullPath()), logx.Err(err))
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}
