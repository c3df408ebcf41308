package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasknotify/internal/notify"
)

// Memory is a process-local Store.
type Memory struct {
	mu sync.RWMutex

	prefs map[string]map[string]bool
	subs  map[string]notify.PushSubscription // by id
	notes map[string]notify.Notification     // by id
	users map[string]notify.User
}

func NewMemory() *Memory {
	return &Memory{
		prefs: map[string]map[string]bool{},
		subs:  map[string]notify.PushSubscription{},
		notes: map[string]notify.Notification{},
		users: map[string]notify.User{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetPreferences(ctx context.Context, userID string) (notify.Preferences, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flags, ok := m.prefs[userID]
	if !ok {
		return notify.Preferences{UserID: userID}, false, nil
	}
	return notify.Preferences{UserID: userID, Flags: maps.Clone(flags)}, true, nil
}

func (m *Memory) EnsurePreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	m.mu.Lock()
	if _, ok := m.prefs[userID]; !ok {
		m.prefs[userID] = map[string]bool{}
	}
	m.mu.Unlock()
	p, _, err := m.GetPreferences(ctx, userID)
	return p, err
}

func (m *Memory) UpsertPreferences(ctx context.Context, userID string, partial map[string]bool) (notify.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := notify.Preferences{UserID: userID, Flags: maps.Clone(m.prefs[userID])}
	merged, err := current.Merge(partial)
	if err != nil {
		return current, err
	}
	m.prefs[userID] = maps.Clone(merged.Flags)
	return merged, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, userID string) ([]notify.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []notify.PushSubscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertSubscription(ctx context.Context, userID, endpoint string, keys notify.PushKeys) (notify.PushSubscription, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(endpoint) == "" {
		return notify.PushSubscription{}, errors.New("user id and endpoint are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		if s.UserID == userID && s.Endpoint == endpoint {
			s.P256dh, s.Auth = keys.P256dh, keys.Auth
			m.subs[id] = s
			return s, nil
		}
	}
	s := notify.PushSubscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		Endpoint:  endpoint,
		P256dh:    keys.P256dh,
		Auth:      keys.Auth,
		CreatedAt: time.Now().UTC(),
	}
	m.subs[s.ID] = s
	return s, nil
}

func (m *Memory) DeleteSubscriptions(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		if s.UserID == userID && s.Endpoint == endpoint {
			delete(m.subs, id)
		}
	}
	return nil
}

func (m *Memory) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Metadata = maps.Clone(n.Metadata)
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	m.mu.Lock()
	m.notes[n.ID] = n
	m.mu.Unlock()
	return n, nil
}

func (m *Memory) ListNotifications(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	m.mu.RLock()
	var out []notify.Notification
	for _, n := range m.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *Memory) UnreadCount(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := 0
	for _, n := range m.notes {
		if n.UserID == userID && !n.Read {
			c++
		}
	}
	return c, nil
}

func (m *Memory) MarkRead(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	if !n.Read {
		now := time.Now().UTC()
		n.Read, n.ReadAt = true, &now
		m.notes[id] = n
	}
	return nil
}

func (m *Memory) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var c int64
	for id, n := range m.notes {
		if n.UserID == userID && !n.Read {
			n.Read, n.ReadAt = true, &now
			m.notes[id] = n
			c++
		}
	}
	return c, nil
}

func (m *Memory) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	for id, n := range m.notes {
		if n.Read && n.ReadAt != nil && n.ReadAt.Before(cutoff) {
			delete(m.notes, id)
			c++
		}
	}
	return c, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (notify.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return notify.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) ListUsers(ctx context.Context, ids []string) ([]notify.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []notify.User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b notify.User) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) AllUsers(ctx context.Context) ([]notify.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.users))
	slices.SortFunc(out, func(a, b notify.User) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u notify.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return nil
}
