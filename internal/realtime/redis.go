package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans rooms out across processes over Redis pub/sub.
type RedisTransport struct {
	rc     *redis.Client
	prefix string
	opts   Options
}

// NewRedisTransport publishes on channel prefix+room. An empty prefix defaults to "realtime:".
func NewRedisTransport(rc *redis.Client, prefix string, opts Options) (*RedisTransport, error) {
	if rc == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "realtime:"
	}
	return &RedisTransport{rc: rc, prefix: prefix, opts: opts.withDefaults()}, nil
}

func (t *RedisTransport) Join(ctx context.Context, room, selfUserID string) (Room, error) {
	return join(ctx, t, t.opts, room, selfUserID)
}

func (t *RedisTransport) Publish(ctx context.Context, room string, env Envelope) error {
	return publishEnvelope(ctx, t, t.opts, room, env)
}

func (t *RedisTransport) Close() error { return t.rc.Close() }

func (t *RedisTransport) publish(ctx context.Context, room string, data []byte) error {
	if err := t.rc.Publish(ctx, t.prefix+room, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", room, err)
	}
	return nil
}

func (t *RedisTransport) subscribe(ctx context.Context, room string) (<-chan []byte, func(), error) {
	sub := t.rc.Subscribe(ctx, t.prefix+room)
	// Wait for the subscription to be confirmed so nothing published after Join is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", room, err)
	}

	in := sub.Channel(redis.WithChannelSize(t.opts.Buffer))
	out := make(chan []byte, t.opts.Buffer)
	go func() {
		defer close(out)
		for msg := range in {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { _ = sub.Close() }) }
	return out, cancel, nil
}
