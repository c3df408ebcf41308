package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tasknotify/internal/config"
	"tasknotify/internal/eventbus"
	logx "tasknotify/pkg/logx"
)

const testConfig = `{
  "http": {"addr": "127.0.0.1:0", "internal_token": "tok", "jwt_secret": "secret"},
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "fanout": {"base_url": "https://tasks.example.com", "drain_timeout": "2s"},
  "email": {"provider": "log", "from": "noreply@example.com"},
  "maintenance": {"enabled": true, "schedule": "@daily", "retention": "24h"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestStartServesAndStops(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "http.serve") {
		t.Fatalf("healthz %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get("http://" + a.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor context not cancelled")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
}

func TestNewRejectsBadProvider(t *testing.T) {
	body := strings.Replace(testConfig, `"provider": "log"`, `"provider": "smtp"`, 1)
	if _, err := New(context.Background(), writeConfig(t, body)); err == nil {
		t.Fatal("expected error for smtp without host")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: "2s"}}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "/tmp/x.db" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("unexpected %+v", sc)
	}
	cfg.Storage.Driver = "mongo"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestNewEmailSenderProviders(t *testing.T) {
	if _, err := newEmailSender(config.EmailConfig{}, logx.Nop()); err != nil {
		t.Fatalf("log provider: %v", err)
	}
	if _, err := newEmailSender(config.EmailConfig{Provider: "sendgrid", From: "a@example.com"}, logx.Nop()); err == nil {
		t.Fatal("sendgrid without key should fail")
	}
	if _, err := newEmailSender(config.EmailConfig{Provider: "pigeon"}, logx.Nop()); err == nil {
		t.Fatal("unknown provider should fail")
	}
}

func TestNewPushSenderDisabledWithoutKeys(t *testing.T) {
	s, err := newPushSender(config.PushConfig{})
	if err != nil || s != nil {
		t.Fatalf("expected nil sender, got %v %v", s, err)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestLogEventsKeepsOperationalTypes(t *testing.T) {
	var out syncBuffer
	a := &App{log: logx.NewWriter(&out, "info"), bus: eventbus.New()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.logEvents(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), eventbus.TypePushPruned) {
		if time.Now().After(deadline) {
			t.Fatalf("push.pruned never logged: %s", out.String())
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeFanoutCompleted})
		a.bus.Publish(eventbus.Event{Type: eventbus.TypePushPruned, Data: map[string]any{"removed": 1}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if strings.Contains(out.String(), eventbus.TypeFanoutCompleted) {
		t.Fatalf("dispatch completions must not be mirrored: %s", out.String())
	}
}
