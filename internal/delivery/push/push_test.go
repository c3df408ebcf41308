package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"tasknotify/internal/notify"
)

func testSubscription(t *testing.T, endpoint string) notify.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("auth secret: %v", err)
	}
	return notify.PushSubscription{
		ID:       "s1",
		UserID:   "u1",
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestSender(t *testing.T) *WebPushSender {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("vapid keys: %v", err)
	}
	s, err := NewWebPushSender(Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv, Subject: "mailto:ops@example.com"}, nil)
	if err != nil {
		t.Fatalf("NewWebPushSender: %v", err)
	}
	return s
}

func TestWebPushSenderStatusHandling(t *testing.T) {
	var status atomic.Int32
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "" {
			t.Errorf("missing VAPID authorization header")
		}
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("unexpected content encoding %q", r.Header.Get("Content-Encoding"))
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := newTestSender(t)
	sub := testSubscription(t, srv.URL+"/push/abc")
	ctx := context.Background()

	status.Store(http.StatusCreated)
	if err := s.Send(ctx, sub, []byte(`{"title":"hi"}`)); err != nil {
		t.Fatalf("Send (201): %v", err)
	}

	for _, code := range []int{http.StatusGone, http.StatusNotFound} {
		status.Store(int32(code))
		err := s.Send(ctx, sub, []byte(`{}`))
		var se *StatusError
		if !errors.As(err, &se) || se.Code != code {
			t.Fatalf("code %d: expected StatusError, got %v", code, err)
		}
		if !IsPermanent(err) {
			t.Fatalf("code %d should be permanent", code)
		}
	}

	status.Store(http.StatusTooManyRequests)
	err := s.Send(ctx, sub, []byte(`{}`))
	if err == nil || IsPermanent(err) {
		t.Fatalf("429 should be a transient error, got %v", err)
	}
	if hits.Load() != 4 {
		t.Fatalf("server saw %d requests", hits.Load())
	}
}

func TestIsPermanentThroughWrapping(t *testing.T) {
	err := fmt.Errorf("subscription s1: %w", &StatusError{Code: 410})
	if !IsPermanent(err) {
		t.Fatalf("wrapped 410 not detected")
	}
	if IsPermanent(&StatusError{Code: 500}) || IsPermanent(errors.New("dial tcp: refused")) {
		t.Fatalf("transient errors misclassified")
	}
}

func TestNewWebPushSenderRequiresKeys(t *testing.T) {
	if _, err := NewWebPushSender(Config{}, nil); err == nil {
		t.Fatalf("expected error without VAPID keys")
	}
}
