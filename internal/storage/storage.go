// Package storage persists the operator's auth state and preferences in a
// key/value table and tells other processes sharing it when a key changes.
// Last write wins; there is no locking across processes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const (
	KeyAccessToken   = "accessToken"
	KeyUser          = "user"
	KeyLocale        = "locale"
	KeyTheme         = "theme"
	KeyPendingUserID = "pendingUserId"
	KeyDraft         = "draft"

	DefaultLocale = "en"
)

// User is the signed-in account as cached after login.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
}

type Store struct {
	db       *sql.DB
	notifier Notifier
	origin   string
	logger   *slog.Logger

	mu       sync.Mutex
	next     int
	watchers map[int]func(key string)
	stop     func()
}

// New wraps db. Every Store gets its own origin so it can tell its own
// writes from those of other processes on the same notifier.
func New(db *sql.DB, notifier Notifier, logger *slog.Logger) *Store {
	if notifier == nil {
		notifier = NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		notifier: notifier,
		origin:   uuid.NewString(),
		logger:   logger,
		watchers: make(map[int]func(string)),
	}
	s.stop = notifier.Subscribe(s.dispatch)
	return s
}

func (s *Store) Close() {
	s.stop()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	s.announce(ctx, key)
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
		s.announce(ctx, key)
	}
	return nil
}

func (s *Store) AccessToken(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyAccessToken)
}

func (s *Store) SetAccessToken(ctx context.Context, token string) error {
	return s.Set(ctx, KeyAccessToken, token)
}

func (s *Store) User(ctx context.Context) (User, error) {
	var u User
	if err := s.getJSON(ctx, KeyUser, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) SetUser(ctx context.Context, u User) error {
	return s.setJSON(ctx, KeyUser, u)
}

// Locale falls back to DefaultLocale when unset.
func (s *Store) Locale(ctx context.Context) (string, error) {
	v, err := s.Get(ctx, KeyLocale)
	if errors.Is(err, ErrNotFound) || (err == nil && v == "") {
		return DefaultLocale, nil
	}
	return v, err
}

func (s *Store) SetLocale(ctx context.Context, locale string) error {
	return s.Set(ctx, KeyLocale, locale)
}

// Theme returns "" when no theme was chosen.
func (s *Store) Theme(ctx context.Context) (string, error) {
	v, err := s.Get(ctx, KeyTheme)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Store) SetTheme(ctx context.Context, theme string) error {
	return s.Set(ctx, KeyTheme, theme)
}

// Draft decodes the cached draft into v.
func (s *Store) Draft(ctx context.Context, v any) error {
	return s.getJSON(ctx, KeyDraft, v)
}

func (s *Store) SetDraft(ctx context.Context, v any) error {
	return s.setJSON(ctx, KeyDraft, v)
}

func (s *Store) ClearDraft(ctx context.Context) error {
	return s.Delete(ctx, KeyDraft)
}

// ClearAuth forgets the token, the cached user and any pending sign-up.
func (s *Store) ClearAuth(ctx context.Context) error {
	return s.Delete(ctx, KeyAccessToken, KeyUser, KeyPendingUserID)
}

// Watch calls fn with the key of every change written by another Store.
func (s *Store) Watch(fn func(key string)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

func (s *Store) announce(ctx context.Context, key string) {
	// Publishing is best effort.
	if err := s.notifier.Publish(ctx, Change{Origin: s.origin, Key: key}); err != nil {
		s.logger.Warn("announcing storage change", "key", key, "error", err)
	}
}

func (s *Store) dispatch(c Change) {
	if c.Origin == s.origin {
		return
	}
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c.Key)
	}
}
