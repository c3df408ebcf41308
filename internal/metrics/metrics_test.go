package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tasknotify/internal/notify"
)

func TestOutcomeCounters(t *testing.T) {
	m := New()
	m.Outcome(notify.Sent("u1", notify.ChannelEmail))
	m.Outcome(notify.Skipped("u1", notify.ChannelPush, notify.SkipNoSubscriptions))
	m.Outcome(notify.Skipped("u2", notify.ChannelPush, notify.SkipNoSubscriptions))
	m.Outcome(notify.Failed("u3", notify.ChannelInApp, errors.New("db down")))

	if got := testutil.ToFloat64(m.DeliveryOutcomes.WithLabelValues("push", "skipped", "no_subscriptions")); got != 2 {
		t.Fatalf("skipped push = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeliveryOutcomes.WithLabelValues("email", "sent", "")); got != 1 {
		t.Fatalf("sent email = %v, want 1", got)
	}

	m.Pruned(0)
	m.Pruned(3)
	if got := testutil.ToFloat64(m.PushPruned); got != 3 {
		t.Fatalf("pruned = %v", got)
	}

	m.DispatchStarted()
	m.DispatchFinished(20 * time.Millisecond)
	if got := testutil.ToFloat64(m.DispatchesInflight); got != 0 {
		t.Fatalf("inflight = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Broadcast("typing", "typing")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `realtime_broadcasts_total{event="typing",kind="typing"} 1`) {
		t.Fatalf("metrics output missing broadcast counter:\n%s", rec.Body.String())
	}
}

func TestRestartAndRetentionCounters(t *testing.T) {
	m := New()
	m.Restart("http.server", errors.New("listen"))
	m.Restart("http.server", errors.New("listen"))
	m.RowsPruned("notifications.read", 0)
	m.RowsPruned("notifications.read", 7)

	if got := testutil.ToFloat64(m.Restarts.WithLabelValues("http.server")); got != 2 {
		t.Fatalf("restarts = %v", got)
	}
	if got := testutil.ToFloat64(m.RowsDeleted.WithLabelValues("notifications.read")); got != 7 {
		t.Fatalf("rows deleted = %v", got)
	}
}
