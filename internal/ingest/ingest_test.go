package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"tasknotify/internal/delivery/email"
	"tasknotify/internal/eventbus"
	"tasknotify/internal/notify"
	"tasknotify/internal/notify/classify"
	"tasknotify/internal/notify/fanout"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
)

type results struct {
	mu sync.Mutex
	m  map[string]int
}

func (r *results) Mutation(source, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = map[string]int{}
	}
	r.m[source+"/"+result]++
}

func (r *results) get(k string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[k]
}

type mailbox struct {
	mu sync.Mutex
	to []string
}

func (m *mailbox) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	m.to = append(m.to, msg.To)
	m.mu.Unlock()
	return nil
}

type harness struct {
	store *storage.Memory
	mail  *mailbox
	rec   *results
	proc  *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), mail: &mailbox{}, rec: &results{}}
	ctx := context.Background()
	for _, u := range []notify.User{
		{ID: "u1", Email: "u1@example.com", Name: "Uma"},
		{ID: "u2", Email: "u2@example.com", Name: "Ulf"},
		{ID: "u9", Email: "jane@example.com", Name: "Jane Doe"},
	} {
		if err := h.store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	eng, err := fanout.New(fanout.Deps{
		Prefs: h.store, Subs: h.store, Notes: h.store, Users: h.store,
		Email: h.mail,
	})
	if err != nil {
		t.Fatalf("fanout.New: %v", err)
	}
	h.proc = NewProcessor(classify.New(logx.Nop()), eng, h.store, WithRecorder(h.rec))
	return h
}

func waitAll(t *testing.T, res Result) []fanout.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reps, err := res.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return reps
}

func TestStatusChangeEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before := classify.TaskState{ID: "t1", Title: "Ship", BoardID: "b1", Status: "todo", AssigneeID: "u1", CreatorID: "u2"}
	after := before
	after.Status = "done"

	res, err := h.proc.Handle(ctx, SourceHTTP, Envelope{
		Kind: KindTaskChanged,
		Task: &classify.TaskChange{Before: &before, After: &after, ActorID: "u2"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reps := waitAll(t, res)
	if len(reps) != 1 || reps[0].Type != notify.StatusChanged {
		t.Fatalf("unexpected reports %+v", reps)
	}

	if n, _ := h.store.UnreadCount(ctx, "u1"); n != 1 {
		t.Fatalf("assignee should have one notification, got %d", n)
	}
	if n, _ := h.store.UnreadCount(ctx, "u2"); n != 0 {
		t.Fatalf("actor must not be notified, got %d", n)
	}
	if len(h.mail.to) != 1 || h.mail.to[0] != "u1@example.com" {
		t.Fatalf("unexpected emails %v", h.mail.to)
	}
	if h.rec.get("http/accepted") != 1 {
		t.Fatalf("expected accepted mutation, got %v", h.rec.m)
	}
}

func TestCommentMentionResolvesDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.proc.HandleRaw(ctx, SourceHTTP, []byte(`{
		"kind": "comment.added",
		"comment": {
			"task": {"id": "t1", "title": "Ship", "board_id": "b1", "creator_id": "u2"},
			"comment_id": "c1",
			"author_id": "u1",
			"author_name": "Uma",
			"text": "@{Jane Doe} please review, cc @Nobody"
		}
	}`))
	if err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}
	waitAll(t, res)

	list, _ := h.store.ListNotifications(ctx, "u9", 10)
	if len(list) != 1 || list[0].Type != notify.Mention {
		t.Fatalf("expected one mention for u9, got %+v", list)
	}
}

func TestRejectsInvalidEnvelopes(t *testing.T) {
	h := newHarness(t)
	bus := eventbus.New()
	ch, unsub := eventbus.SubscribeTypes(bus, 4, eventbus.TypeIngestRejected)
	defer unsub()
	h.proc.bus = bus

	for _, raw := range []string{
		`not json`,
		`{"kind":"task.deleted"}`,
		`{"kind":"task.changed","task":{"actor_id":"u1"}}`,
	} {
		if _, err := h.proc.HandleRaw(context.Background(), SourceHTTP, []byte(raw)); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("%s: expected ErrInvalidEnvelope, got %v", raw, err)
		}
	}
	if h.rec.get("http/rejected") != 3 {
		t.Fatalf("expected 3 rejections, got %v", h.rec.m)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected ingest.rejected event")
	}
}

func TestNoEventsIsIgnored(t *testing.T) {
	h := newHarness(t)
	task := classify.TaskState{ID: "t1", BoardID: "b1", Status: "todo", CreatorID: "u2"}
	res, err := h.proc.Handle(context.Background(), SourceHTTP, Envelope{
		Kind: KindTaskChanged,
		Task: &classify.TaskChange{Before: &task, After: &task, ActorID: "u2"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(res.Events) != 0 || h.rec.get("http/ignored") != 1 {
		t.Fatalf("expected ignored mutation, got %+v / %v", res.Events, h.rec.m)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	failAfter error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	err := r.failAfter
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaConsumerCommitsEveryMessage(t *testing.T) {
	h := newHarness(t)
	r := &fakeReader{
		msgs: []kafka.Message{
			{Topic: "mutations", Offset: 1, Value: []byte(`garbage`)},
			{Topic: "mutations", Offset: 2, Value: []byte(`{"kind":"submission.created","submission":{"task":{"id":"t1","title":"Form","board_id":"b1","creator_id":"u2"},"submission_id":"s1","submitter_id":"u1","submitter_name":"Uma"}}`),
				Headers: []kafka.Header{{Key: "traceparent", Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")}}},
		},
		failAfter: errors.New("broker gone"),
	}
	c := NewConsumer(r, h.proc, logx.Nop())

	err := c.Run(context.Background())
	if err == nil || err.Error() != "broker gone" {
		t.Fatalf("expected reader error, got %v", err)
	}
	if len(r.committed) != 2 {
		t.Fatalf("expected both offsets committed, got %v", r.committed)
	}
	if h.rec.get("kafka/rejected") != 1 || h.rec.get("kafka/accepted") != 1 {
		t.Fatalf("unexpected results %v", h.rec.m)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.store.UnreadCount(context.Background(), "u2"); n == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected submission notification for creator")
}

func TestKafkaConsumerStopsCleanlyOnCancel(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(&fakeReader{}, h.proc, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}
