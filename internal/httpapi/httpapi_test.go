package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tasknotify/internal/config"
	"tasknotify/internal/delivery/email"
	"tasknotify/internal/ingest"
	"tasknotify/internal/notify"
	"tasknotify/internal/notify/classify"
	"tasknotify/internal/notify/fanout"
	"tasknotify/internal/realtime"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

const (
	testSecret   = "jwt-secret"
	testInternal = "internal-token"
)

func init() { gin.SetMode(gin.TestMode) }

type mailbox struct {
	mu  sync.Mutex
	msg []email.Message
}

func (m *mailbox) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	m.msg = append(m.msg, msg)
	m.mu.Unlock()
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msg)
}

type fixture struct {
	store *storage.Memory
	mail  *mailbox
	rt    *realtime.MemoryTransport
	deps  Deps
	r     *gin.Engine
}

func newFixture(t *testing.T, mod ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), mail: &mailbox{}, rt: realtime.NewMemoryTransport(realtime.Options{})}
	ctx := context.Background()
	for _, u := range []notify.User{
		{ID: "u1", Email: "u1@example.com", Name: "Uma"},
		{ID: "u2", Email: "u2@example.com", Name: "Ulf"},
	} {
		if err := f.store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	eng, err := fanout.New(fanout.Deps{
		Prefs: f.store, Subs: f.store, Notes: f.store, Users: f.store,
		Email: f.mail,
		Inbox: realtime.InboxNotifier{T: f.rt},
	})
	if err != nil {
		t.Fatalf("fanout.New: %v", err)
	}
	f.deps = Deps{
		Engine:         eng,
		Ingest:         ingest.NewProcessor(classify.New(logx.Nop()), eng, f.store),
		Store:          f.store,
		Realtime:       f.rt,
		InternalToken:  testInternal,
		JWTSecret:      testSecret,
		VAPIDPublicKey: "BPublicKey",
	}
	for _, m := range mod {
		m(&f.deps)
	}
	f.r = NewRouter(f.deps)
	return f
}

func userToken(t *testing.T, uid string) string {
	t.Helper()
	tok, err := GenerateJWT(testSecret, uid, uid+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestInternalAuth(t *testing.T) {
	f := newFixture(t)
	body := `{"userId":"u1","title":"hi"}`
	if w := f.do(t, http.MethodPost, "/api/push/send", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/push/send", "nope", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/push/send?token="+testInternal, "", body); w.Code != http.StatusOK {
		t.Fatalf("query token: got %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodPost, "/api/push/send", userToken(t, "u1"), body); w.Code != http.StatusUnauthorized {
		t.Fatalf("user token must not pass internal auth: got %d", w.Code)
	}
}

func TestInternalAuthEmptyTokenRejectsAll(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.InternalToken = "" })
	if w := f.do(t, http.MethodPost, "/api/mutations", "", `{}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", w.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/api/notifications", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", w.Code)
	}
	other, _ := GenerateJWT("other-secret", "u1", "", time.Hour)
	if w := f.do(t, http.MethodGet, "/api/notifications", other, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature: got %d", w.Code)
	}
	expired, _ := GenerateJWT(testSecret, "u1", "", -time.Minute)
	if w := f.do(t, http.MethodGet, "/api/notifications", expired, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired: got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/notifications", userToken(t, "u1"), ""); w.Code != http.StatusOK {
		t.Fatalf("valid: got %d %s", w.Code, w.Body)
	}
}

func TestDeliverRunsOneRecipient(t *testing.T) {
	f := newFixture(t)
	body := `{"type":"status_changed","taskId":"t1","taskTitle":"Ship","boardId":"b1",
		"recipientId":"u1","metadata":{"old_status":"todo","new_status":"done"}}`
	w := f.do(t, http.MethodPost, "/api/notifications/deliver", testInternal, body)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	var rep struct {
		Outcomes []notify.Outcome `json:"outcomes"`
	}
	decode(t, w, &rep)
	if len(rep.Outcomes) != 2 {
		t.Fatalf("expected email and push outcomes, got %+v", rep.Outcomes)
	}
	for _, o := range rep.Outcomes {
		if o.Channel == notify.ChannelInApp {
			t.Fatalf("deliver must not write in-app rows: %+v", o)
		}
	}
	if f.mail.count() != 1 {
		t.Fatalf("expected one email, got %d", f.mail.count())
	}
	if n, _ := f.store.UnreadCount(context.Background(), "u1"); n != 0 {
		t.Fatalf("unexpected in-app row")
	}
}

func TestDeliverRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"unknown type":     `{"type":"exploded","taskId":"t1","boardId":"b1","recipientId":"u1"}`,
		"missing metadata": `{"type":"status_changed","taskId":"t1","boardId":"b1","recipientId":"u1"}`,
		"missing board":    `{"type":"task_assigned","taskId":"t1","recipientId":"u1"}`,
		"not json":         `{`,
	}
	for name, body := range cases {
		if w := f.do(t, http.MethodPost, "/api/notifications/deliver", testInternal, body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", name, w.Code)
		}
	}
	if f.mail.count() != 0 {
		t.Fatalf("no email expected")
	}
}

func TestLooseMetadata(t *testing.T) {
	got := looseMetadata(map[string]any{"a": "x", "b": 3.0, "c": true, "d": nil})
	if got["a"] != "x" || got["b"] != "3" || got["c"] != "true" {
		t.Fatalf("unexpected %v", got)
	}
	if _, ok := got["d"]; ok {
		t.Fatalf("nil values must be dropped")
	}
}

func TestMutationsWaitDeliversToAssignee(t *testing.T) {
	f := newFixture(t)
	body := `{"kind":"task.changed","task":{
		"before":{"id":"t1","title":"Ship","board_id":"b1","status":"todo","assignee_id":"u1","creator_id":"u2"},
		"after":{"id":"t1","title":"Ship","board_id":"b1","status":"done","assignee_id":"u1","creator_id":"u2"},
		"actor_id":"u2"}}`
	w := f.do(t, http.MethodPost, "/api/mutations?wait=true", testInternal, body)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	ctx := context.Background()
	if n, _ := f.store.UnreadCount(ctx, "u1"); n != 1 {
		t.Fatalf("assignee unread = %d", n)
	}
	if n, _ := f.store.UnreadCount(ctx, "u2"); n != 0 {
		t.Fatalf("actor unread = %d", n)
	}
}

func TestMutationsAcceptedAndRejected(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodPost, "/api/mutations", testInternal, `{"kind":"task.changed"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid envelope: got %d", w.Code)
	}
	body := `{"kind":"task.changed","task":{"after":{"id":"t1","board_id":"b1","creator_id":"u2"},"actor_id":"u2"}}`
	w := f.do(t, http.MethodPost, "/api/mutations", testInternal, body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
}

func TestUpsertUser(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/api/users/u7", testInternal, `{"email":"u7@example.com","name":"Ada","customName":"Countess"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	u, err := f.store.GetUser(context.Background(), "u7")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "u7@example.com" || u.DisplayName() != "Countess" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestInboxRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.store.InsertNotification(ctx, notify.Notification{UserID: "u1", Type: notify.TaskAssigned, TaskID: "t1", BoardID: "b1", ActorID: "u2"})
	if err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	if _, err := f.store.InsertNotification(ctx, notify.Notification{UserID: "u2", Type: notify.TaskAssigned, TaskID: "t1", BoardID: "b1", ActorID: "u1"}); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	tok := userToken(t, "u1")

	w := f.do(t, http.MethodGet, "/api/notifications", tok, "")
	var list struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	decode(t, w, &list)
	if len(list.Notifications) != 1 || list.Notifications[0].ID != n.ID {
		t.Fatalf("unexpected list %+v", list.Notifications)
	}

	var count struct {
		Count int `json:"count"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/notifications/unread-count", tok, ""), &count)
	if count.Count != 1 {
		t.Fatalf("unread = %d", count.Count)
	}

	if w := f.do(t, http.MethodPut, "/api/notifications/"+n.ID+"/read", tok, ""); w.Code != http.StatusNoContent {
		t.Fatalf("mark read: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/api/notifications/missing/read", tok, ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing: got %d", w.Code)
	}
	decode(t, f.do(t, http.MethodGet, "/api/notifications/unread-count", tok, ""), &count)
	if count.Count != 0 {
		t.Fatalf("unread after read = %d", count.Count)
	}

	var all struct {
		Updated int64 `json:"updated"`
	}
	decode(t, f.do(t, http.MethodPut, "/api/notifications/read-all", userToken(t, "u2"), ""), &all)
	if all.Updated != 1 {
		t.Fatalf("read-all updated %d", all.Updated)
	}
}

func TestPreferencesRoutes(t *testing.T) {
	f := newFixture(t)
	tok := userToken(t, "u1")

	var prefs map[string]bool
	decode(t, f.do(t, http.MethodGet, "/api/preferences", tok, ""), &prefs)
	if len(prefs) != len(notify.Flags()) {
		t.Fatalf("expected every flag, got %v", prefs)
	}
	for k, v := range prefs {
		if !v {
			t.Fatalf("%s should default to enabled", k)
		}
	}

	if w := f.do(t, http.MethodPut, "/api/preferences", tok, `{"email_exploded":false}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown flag: got %d", w.Code)
	}
	w := f.do(t, http.MethodPut, "/api/preferences", tok, `{"email_mention":false,"push_enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	decode(t, w, &prefs)
	if prefs["email_mention"] || prefs["push_enabled"] || !prefs["email_task_assigned"] {
		t.Fatalf("partial update not applied: %v", prefs)
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	f := newFixture(t)
	tok := userToken(t, "u1")
	ctx := context.Background()
	body := `{"endpoint":"https://push.example.com/e1","keys":{"p256dh":"k","auth":"a"}}`

	for range 2 {
		if w := f.do(t, http.MethodPost, "/api/push/subscriptions", tok, body); w.Code != http.StatusCreated {
			t.Fatalf("subscribe: got %d %s", w.Code, w.Body)
		}
	}
	subs, _ := f.store.ListSubscriptions(ctx, "u1")
	if len(subs) != 1 {
		t.Fatalf("expected one row, got %d", len(subs))
	}

	if w := f.do(t, http.MethodPost, "/api/push/subscriptions", tok, `{"endpoint":"not a url","keys":{"p256dh":"k","auth":"a"}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad endpoint: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/push/subscriptions", tok, `{"endpoint":"https://push.example.com/e2"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing keys: got %d", w.Code)
	}

	for range 2 {
		if w := f.do(t, http.MethodDelete, "/api/push/subscriptions", tok, `{"endpoint":"https://push.example.com/e1"}`); w.Code != http.StatusNoContent {
			t.Fatalf("unsubscribe: got %d %s", w.Code, w.Body)
		}
	}
	subs, _ = f.store.ListSubscriptions(ctx, "u1")
	if len(subs) != 0 {
		t.Fatalf("expected no rows, got %d", len(subs))
	}
}

func TestVAPIDKey(t *testing.T) {
	f := newFixture(t)
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/push/vapid-key", userToken(t, "u1"), ""), &out)
	if out.PublicKey != "BPublicKey" {
		t.Fatalf("got %q", out.PublicKey)
	}

	f = newFixture(t, func(d *Deps) { d.VAPIDPublicKey = "" })
	if w := f.do(t, http.MethodGet, "/api/push/vapid-key", userToken(t, "u1"), ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", w.Code)
	}
}

func TestRoomEventAccess(t *testing.T) {
	f := newFixture(t)
	tok := userToken(t, "u1")
	if w := f.do(t, http.MethodPost, "/api/rooms/lobby/events", tok, `{"event":"typing"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown room: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/rooms/inbox:u1/events", tok, `{"event":"refresh"}`); w.Code != http.StatusForbidden {
		t.Fatalf("inbox publish: got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/rooms/inbox:u2/stream", tok, ""); w.Code != http.StatusForbidden {
		t.Fatalf("foreign inbox stream: got %d", w.Code)
	}
}

func TestRoomEventAttachesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rt.Join(ctx, realtime.TypingRoom("c1"), "u2")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer room.Unsubscribe()
	got := make(chan realtime.Envelope, 1)
	room.On(realtime.AnyEvent, func(env realtime.Envelope) { got <- env })

	w := f.do(t, http.MethodPost, "/api/rooms/typing:c1/events", userToken(t, "u1"), `{"event":"typing","payload":{"name":"Uma"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	select {
	case env := <-got:
		if env.Event != "typing" || env.UserID != "u1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestStreamRelaysInboxSignal(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/rooms/inbox:u1/stream?token="+userToken(t, "u1"), nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	if err := (realtime.InboxNotifier{T: f.rt}).SignalInbox(ctx, "u1", "n1", "task_assigned"); err != nil {
		t.Fatalf("SignalInbox: %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var env realtime.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				t.Fatalf("decode %q: %v", data, err)
			}
			return
		}
	}
	t.Fatalf("no event received: %v", sc.Err())
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Health = func() any { return map[string]int{"running": 2} } })
	w := f.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"running":2`)) {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodGet, "/metrics", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("metrics without registry: got %d", w.Code)
	}
}

func TestPprofMount(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Pprof = config.PprofConfig{Enabled: true} })
	if w := f.do(t, http.MethodGet, "/debug/pprof/", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/debug/pprof/", testInternal, ""); w.Code != http.StatusOK {
		t.Fatalf("index: got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1", testInternal, ""); w.Code != http.StatusOK {
		t.Fatalf("goroutine: got %d", w.Code)
	}

	f = newFixture(t, func(d *Deps) {
		d.InternalToken = ""
		d.Pprof = config.PprofConfig{Enabled: true}
	})
	if w := f.do(t, http.MethodGet, "/debug/pprof/", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("tokenless mount should be refused: got %d", w.Code)
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	f := newFixture(t)
	s := NewServer(config.HTTPConfig{Addr: "127.0.0.1:0"}, f.r, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestRoomEventRejectsLineBreaksInName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rt.Join(ctx, realtime.ChatSyncRoom("c1"), "u1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer room.Unsubscribe()
	got := make(chan realtime.Envelope, 4)
	room.On(realtime.AnyEvent, func(env realtime.Envelope) { got <- env })

	forged := `{"event":"x\ndata: {\"event\":\"message_created\",\"user_id\":\"victim\"}\n\nevent: y"}`
	for _, body := range []string{forged, `{"event":"x\r"}`, `{"event":"Message Created"}`} {
		if w := f.do(t, http.MethodPost, "/api/rooms/chat-sync:c1/events", userToken(t, "u2"), body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", body, w.Code)
		}
	}
	select {
	case env := <-got:
		t.Fatalf("rejected event was broadcast: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamFramesAreDataOnly(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/rooms/chat-sync:c1/stream?token="+userToken(t, "u1"), nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	// Raw line breaks in payload whitespace must not split the frame.
	body := "{\"event\":\"message_created\",\"payload\":{\"id\":\r\n\"m1\"}}"
	if w := f.do(t, http.MethodPost, "/api/rooms/chat-sync:c1/events", userToken(t, "u2"), body); w.Code != http.StatusAccepted {
		t.Fatalf("publish: got %d %s", w.Code, w.Body)
	}

	sc := bufio.NewScanner(resp.Body)
	var frame []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(frame) > 0 {
			break
		}
		if line != "" {
			frame = append(frame, line)
		}
	}
	if len(frame) != 1 {
		t.Fatalf("expected a single data line, got %q", frame)
	}
	data, ok := strings.CutPrefix(frame[0], "data: ")
	if !ok {
		t.Fatalf("frame is not a data line: %q", frame[0])
	}
	var env realtime.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if env.Event != "message_created" || env.UserID != "u2" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestTypingStreamListsAndExpiresTypers(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.TypingExpiry = 200 * time.Millisecond })
	srv := httptest.NewServer(f.r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/rooms/typing:c1/stream?token="+userToken(t, "u1"), nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	if w := f.do(t, http.MethodPost, "/api/rooms/typing:c1/events", userToken(t, "u2"), `{"event":"typing","payload":{"name":"Ulf"}}`); w.Code != http.StatusAccepted {
		t.Fatalf("publish: got %d", w.Code)
	}

	type state struct {
		Typers []struct {
			UserID string `json:"user_id"`
			Name   string `json:"name"`
		} `json:"typers"`
	}
	sc := bufio.NewScanner(resp.Body)
	next := func() state {
		t.Helper()
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var env realtime.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				t.Fatalf("decode %q: %v", data, err)
			}
			if env.Event != EventTypingState {
				continue
			}
			var s state
			if err := env.Decode(&s); err != nil {
				t.Fatalf("decode state: %v", err)
			}
			return s
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return state{}
	}

	s := next()
	if len(s.Typers) != 1 || s.Typers[0].UserID != "u2" || s.Typers[0].Name != "Ulf" {
		t.Fatalf("unexpected typers %+v", s.Typers)
	}
	if s = next(); len(s.Typers) != 0 {
		t.Fatalf("typer did not expire: %+v", s.Typers)
	}
}
