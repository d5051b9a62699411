package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noahxzhu/local-notify/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const permissionKey = "permission"

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Permission(ctx context.Context) (model.PermissionState, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, permissionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PermissionUndetermined, nil
	}
	if err != nil {
		return "", err
	}
	return model.ParsePermission(v)
}

func (s *SQLiteStore) SetPermission(ctx context.Context, state model.PermissionState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		permissionKey, string(state),
	)
	return err
}

func (s *SQLiteStore) PutChannel(ctx context.Context, ch model.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, name, importance) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, importance=excluded.importance`,
		ch.ID, ch.Name, string(ch.Importance),
	)
	return err
}

func (s *SQLiteStore) Channel(ctx context.Context, id string) (model.Channel, error) {
	var ch model.Channel
	var importance string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, importance FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.Name, &importance)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, ErrNotFound
	}
	if err != nil {
		return model.Channel{}, err
	}
	ch.Importance = model.Importance(importance)
	return ch, nil
}

func (s *SQLiteStore) AddNotification(ctx context.Context, n *model.Notification) error {
	data, err := encodeData(n.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, title, body, sound, channel_id, data, due_at, state, attempts, last_attempt_at, delivered_at, last_error, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Title, n.Body, n.Sound, n.ChannelID, data, millis(n.DueAt), string(n.State),
		n.Attempts, millis(n.LastAttemptAt), millis(n.DeliveredAt), nullStr(n.LastError), millis(n.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateNotification(ctx context.Context, n *model.Notification) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET state = ?, attempts = ?, last_attempt_at = ?, delivered_at = ?, last_error = ?
		 WHERE id = ?`,
		string(n.State), n.Attempts, millis(n.LastAttemptAt), millis(n.DeliveredAt), nullStr(n.LastError), n.ID,
	)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

const selectNotifications = `SELECT id, title, body, sound, channel_id, data, due_at, state, attempts, last_attempt_at, delivered_at, last_error, created_at FROM notifications`

func (s *SQLiteStore) Pending(ctx context.Context) ([]*model.Notification, error) {
	return s.query(ctx, selectNotifications+` WHERE state = ? ORDER BY due_at`, string(model.StateScheduled))
}

func (s *SQLiteStore) ListNotifications(ctx context.Context) ([]*model.Notification, error) {
	return s.query(ctx, selectNotifications+` ORDER BY created_at`)
}

func (s *SQLiteStore) PruneFinished(ctx context.Context, before time.Time) (int, error) {
	ms := millis(before)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications
		 WHERE (state = ? AND delivered_at < ?) OR (state = ? AND last_attempt_at < ?)`,
		string(model.StateDelivered), ms, string(model.StateFailed), ms,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var (
			n                                     model.Notification
			data, lastErr                         sql.NullString
			state                                 string
			dueAt, lastAttempt, delivered, create int64
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Sound, &n.ChannelID, &data, &dueAt, &state,
			&n.Attempts, &lastAttempt, &delivered, &lastErr, &create); err != nil {
			return nil, err
		}
		n.State = model.DeliveryState(state)
		n.DueAt = fromMillis(dueAt)
		n.LastAttemptAt = fromMillis(lastAttempt)
		n.DeliveredAt = fromMillis(delivered)
		n.CreatedAt = fromMillis(create)
		n.LastError = lastErr.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				return nil, fmt.Errorf("notification %s: bad data column: %w", n.ID, err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func encodeData(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// millis maps the zero time to 0 so "never" round-trips.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
