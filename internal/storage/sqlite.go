package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tasknotify/internal/notify"
	logx "tasknotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// OpenSQLite opens (or creates) the database at cfg.Path and applies the schema.
// Path ":memory:" gives a private in-memory database.
func OpenSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- preferences ----

type prefRow struct {
	UserID string `db:"user_id"`
	Flags  string `db:"flags"`
}

func (r prefRow) decode() (notify.Preferences, error) {
	p := notify.Preferences{UserID: r.UserID, Flags: map[string]bool{}}
	if strings.TrimSpace(r.Flags) == "" {
		return p, nil
	}
	if err := sonic.UnmarshalString(r.Flags, &p.Flags); err != nil {
		return p, fmt.Errorf("decoding preference flags for %s: %w", r.UserID, err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (notify.Preferences, bool, error) {
	var row prefRow
	err := s.db.GetContext(ctx, &row,
		"SELECT user_id, flags FROM notification_preferences WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preferences{UserID: userID}, false, nil
	}
	if err != nil {
		return notify.Preferences{UserID: userID}, false, fmt.Errorf("querying preferences for %s: %w", userID, err)
	}
	p, err := row.decode()
	if err != nil {
		return notify.Preferences{UserID: userID}, false, err
	}
	return p, true, nil
}

func (s *SQLiteStore) EnsurePreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO notification_preferences (user_id, flags, updated_at) VALUES (?, '{}', ?)",
		userID, time.Now().UnixMilli())
	if err != nil {
		return notify.Preferences{UserID: userID}, fmt.Errorf("creating preferences for %s: %w", userID, err)
	}
	p, _, err := s.GetPreferences(ctx, userID)
	return p, err
}

func (s *SQLiteStore) UpsertPreferences(ctx context.Context, userID string, partial map[string]bool) (notify.Preferences, error) {
	if err := notify.ValidateFlags(partial); err != nil {
		return notify.Preferences{UserID: userID}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return notify.Preferences{UserID: userID}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current := notify.Preferences{UserID: userID}
	var row prefRow
	err = tx.GetContext(ctx, &row, "SELECT user_id, flags FROM notification_preferences WHERE user_id = ?", userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return current, fmt.Errorf("querying preferences for %s: %w", userID, err)
	default:
		if current, err = row.decode(); err != nil {
			return current, err
		}
	}

	merged, err := current.Merge(partial)
	if err != nil {
		return current, err
	}
	flags, err := sonic.MarshalString(merged.Flags)
	if err != nil {
		return current, fmt.Errorf("encoding preference flags: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_id, flags, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET flags = excluded.flags, updated_at = excluded.updated_at`,
		userID, flags, time.Now().UnixMilli())
	if err != nil {
		return current, fmt.Errorf("upserting preferences for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("committing preferences: %w", err)
	}
	return merged, nil
}

// ---- push subscriptions ----

type subRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Endpoint  string `db:"endpoint"`
	P256dh    string `db:"p256dh"`
	Auth      string `db:"auth"`
	CreatedAt int64  `db:"created_at"`
}

func (r subRow) model() notify.PushSubscription {
	return notify.PushSubscription{
		ID:        r.ID,
		UserID:    r.UserID,
		Endpoint:  r.Endpoint,
		P256dh:    r.P256dh,
		Auth:      r.Auth,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
	}
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, userID string) ([]notify.PushSubscription, error) {
	var rows []subRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, user_id, endpoint, p256dh, auth, created_at FROM push_subscriptions WHERE user_id = ? ORDER BY created_at, id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions for %s: %w", userID, err)
	}
	out := make([]notify.PushSubscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, userID, endpoint string, keys notify.PushKeys) (notify.PushSubscription, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(endpoint) == "" {
		return notify.PushSubscription{}, errors.New("user id and endpoint are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		uuid.New().String(), userID, endpoint, keys.P256dh, keys.Auth, time.Now().UnixMilli())
	if err != nil {
		return notify.PushSubscription{}, fmt.Errorf("upserting subscription: %w", err)
	}
	var row subRow
	err = s.db.GetContext(ctx, &row,
		"SELECT id, user_id, endpoint, p256dh, auth, created_at FROM push_subscriptions WHERE user_id = ? AND endpoint = ?",
		userID, endpoint)
	if err != nil {
		return notify.PushSubscription{}, fmt.Errorf("reading subscription back: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) DeleteSubscriptions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM push_subscriptions WHERE id IN (?)", ids)
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) DeleteSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?", userID, endpoint)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// ---- notifications ----

type notificationRow struct {
	ID        string        `db:"id"`
	UserID    string        `db:"user_id"`
	Type      string        `db:"type"`
	TaskID    string        `db:"task_id"`
	TaskTitle string        `db:"task_title"`
	BoardID   string        `db:"board_id"`
	BoardName string        `db:"board_name"`
	ActorID   string        `db:"actor_id"`
	Metadata  string        `db:"metadata"`
	IsRead    bool          `db:"is_read"`
	CreatedAt int64         `db:"created_at"`
	ReadAt    sql.NullInt64 `db:"read_at"`
}

const notificationColumns = "id, user_id, type, task_id, task_title, board_id, board_name, actor_id, metadata, is_read, created_at, read_at"

func (r notificationRow) model() notify.Notification {
	n := notify.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      notify.EventType(r.Type),
		TaskID:    r.TaskID,
		TaskTitle: r.TaskTitle,
		BoardID:   r.BoardID,
		BoardName: r.BoardName,
		ActorID:   r.ActorID,
		Read:      r.IsRead,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		Metadata:  map[string]string{},
	}
	if r.Metadata != "" {
		_ = sonic.UnmarshalString(r.Metadata, &n.Metadata)
	}
	if r.ReadAt.Valid {
		t := time.UnixMilli(r.ReadAt.Int64).UTC()
		n.ReadAt = &t
	}
	return n
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	md, err := sonic.MarshalString(n.Metadata)
	if err != nil {
		return n, fmt.Errorf("encoding notification metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, task_id, task_title, board_id, board_name, actor_id, metadata, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.UserID, string(n.Type), n.TaskID, n.TaskTitle, n.BoardID, n.BoardName, n.ActorID, md, n.CreatedAt.UnixMilli())
	if err != nil {
		return n, fmt.Errorf("inserting notification for %s: %w", n.UserID, err)
	}
	return n, nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+notificationColumns+" FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying notifications for %s: %w", userID, err)
	}
	out := make([]notify.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLiteStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("counting unread for %s: %w", userID, err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?",
		time.Now().UnixMilli(), id, userID)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0",
		time.Now().UnixMilli(), userID)
	if err != nil {
		return 0, fmt.Errorf("marking all read for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE is_read = 1 AND read_at IS NOT NULL AND read_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning read notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- users ----

const userColumns = "id, email, name, custom_name"

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (notify.User, error) {
	var u notify.User
	err := s.db.GetContext(ctx, &u, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.User{}, ErrNotFound
	}
	if err != nil {
		return notify.User{}, fmt.Errorf("querying user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, ids []string) ([]notify.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT "+userColumns+" FROM users WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}
	var out []notify.User
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AllUsers(ctx context.Context) ([]notify.User, error) {
	var out []notify.User
	if err := s.db.SelectContext(ctx, &out, "SELECT "+userColumns+" FROM users ORDER BY id"); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u notify.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, custom_name, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name,
		   custom_name = excluded.custom_name, updated_at = excluded.updated_at`,
		u.ID, u.Email, u.Name, u.CustomName, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}
