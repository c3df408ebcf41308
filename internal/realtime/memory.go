package realtime

import (
	"context"
	"sync"

	"tasknotify/internal/eventbus"
)

// MemoryTransport keeps one event bus per room inside the process.
// Publish never blocks; a subscriber whose queue is full misses the message.
type MemoryTransport struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	bus  eventbus.Bus
	refs int
}

func NewMemoryTransport(opts Options) *MemoryTransport {
	return &MemoryTransport{opts: opts.withDefaults(), rooms: map[string]*memRoom{}}
}

func (t *MemoryTransport) Join(ctx context.Context, room, selfUserID string) (Room, error) {
	return join(ctx, t, t.opts, room, selfUserID)
}

func (t *MemoryTransport) Publish(ctx context.Context, room string, env Envelope) error {
	return publishEnvelope(ctx, t, t.opts, room, env)
}

func (t *MemoryTransport) Close() error { return nil }

func (t *MemoryTransport) publish(ctx context.Context, room string, data []byte) error {
	t.mu.Lock()
	r := t.rooms[room]
	t.mu.Unlock()
	if r == nil {
		return nil
	}
	r.bus.Publish(eventbus.Event{Type: room, Data: data})
	return nil
}

func (t *MemoryTransport) subscribe(ctx context.Context, room string) (<-chan []byte, func(), error) {
	t.mu.Lock()
	r := t.rooms[room]
	if r == nil {
		r = &memRoom{bus: eventbus.New()}
		t.rooms[room] = r
	}
	r.refs++
	t.mu.Unlock()

	events, unsub := r.bus.Subscribe(t.opts.Buffer)
	out := make(chan []byte, t.opts.Buffer)
	go func() {
		defer close(out)
		for ev := range events {
			if b, ok := ev.Data.([]byte); ok {
				select {
				case out <- b:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsub()
			t.mu.Lock()
			r.refs--
			if r.refs <= 0 && t.rooms[room] == r {
				delete(t.rooms, room)
			}
			t.mu.Unlock()
		})
	}
	return out, cancel, nil
}
