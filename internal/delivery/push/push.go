// Package push delivers Web Push notifications (RFC 8030 + VAPID).
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"tasknotify/internal/notify"
)

// ErrGone marks an endpoint that will never accept messages again.
var ErrGone = errors.New("push: subscription gone")

// StatusError is a non-2xx response from a push service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.Code)
	}
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

// Is lets errors.Is(err, ErrGone) match 404 and 410 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrGone && (e.Code == http.StatusNotFound || e.Code == http.StatusGone)
}

// IsPermanent reports whether err means the subscription should be removed.
func IsPermanent(err error) bool { return errors.Is(err, ErrGone) }

// Payload is the JSON body the service worker receives.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub notify.PushSubscription, payload []byte) error
}

// Config configures WebPushSender.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject is the VAPID contact, "mailto:..." or an https URL.
	Subject string
	TTL     time.Duration
	Urgency string
	Timeout time.Duration
}

// WebPushSender sends through webpush-go.
type WebPushSender struct {
	cfg    Config
	client webpush.HTTPClient
}

// NewWebPushSender validates cfg. client may be nil.
func NewWebPushSender(cfg Config, client webpush.HTTPClient) (*WebPushSender, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, errors.New("vapid key pair is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebPushSender{cfg: cfg, client: client}, nil
}

// PublicKey is served to clients so they can subscribe.
func (s *WebPushSender) PublicKey() string { return s.cfg.VAPIDPublicKey }

func (s *WebPushSender) Send(ctx context.Context, sub notify.PushSubscription, payload []byte) error {
	opts := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      strings.TrimPrefix(s.cfg.Subject, "mailto:"),
		TTL:             int(s.cfg.TTL / time.Second),
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
	}
	if s.cfg.Urgency != "" {
		opts.Urgency = webpush.Urgency(s.cfg.Urgency)
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, opts)
	if err != nil {
		return fmt.Errorf("push to %s: %w", sub.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GenerateVAPIDKeys returns a fresh (public, private) key pair.
func GenerateVAPIDKeys() (public, private string, err error) {
	private, public, err = webpush.GenerateVAPIDKeys()
	return public, private, err
}
