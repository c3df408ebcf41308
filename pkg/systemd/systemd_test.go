package systemd

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestStateMessages(t *testing.T) {
	r := &recorder{}
	n := &Notifier{notify: r.notify}
	_, _ = n.Ready()
	_, _ = n.Status("serving")
	_, _ = n.Stopping()
	if r.count("READY=1") != 1 || r.count("STATUS=serving") != 1 || r.count("STOPPING=1") != 1 {
		t.Fatalf("unexpected states %v", r.states)
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n := &Notifier{notify: (&recorder{}).notify, enabled: func(bool) (time.Duration, error) { return 0, nil }}
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogPings(t *testing.T) {
	r := &recorder{}
	n := &Notifier{notify: r.notify, enabled: func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := n.Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
	if r.count("WATCHDOG=1") < 2 {
		t.Fatalf("expected pings, got %v", r.states)
	}
}
