package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Auth is the process-wide view of who is signed in. It is loaded from the
// store and re-read whenever another process changes the stored token or
// user.
type Auth struct {
	store  *Store
	logger *slog.Logger

	mu       sync.RWMutex
	token    string
	user     *User
	next     int
	watchers map[int]func()
	unwatch  func()
}

func NewAuth(store *Store, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auth{store: store, logger: logger, watchers: make(map[int]func())}
	a.unwatch = store.Watch(a.onStoreChange)
	return a
}

func (a *Auth) Close() {
	a.unwatch()
}

// Load replaces the in-memory state with what is stored.
func (a *Auth) Load(ctx context.Context) error {
	token, err := a.store.AccessToken(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var user *User
	u, err := a.store.User(ctx)
	switch {
	case err == nil:
		user = &u
	case !errors.Is(err, ErrNotFound):
		a.logger.Warn("ignoring stored user", "error", err)
	}

	a.set(token, user)
	return nil
}

func (a *Auth) Save(ctx context.Context, token string, user User) error {
	if err := a.store.SetAccessToken(ctx, token); err != nil {
		return err
	}
	if err := a.store.SetUser(ctx, user); err != nil {
		return err
	}
	a.set(token, &user)
	return nil
}

// Invalidate signs out. The in-memory state is cleared even if the store
// cannot be written.
func (a *Auth) Invalidate(ctx context.Context) error {
	a.set("", nil)
	return a.store.ClearAuth(ctx)
}

// Token returns the current bearer token, or "" when signed out.
func (a *Auth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *Auth) User() (User, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.user == nil {
		return User{}, false
	}
	return *a.user, true
}

// OnChange calls fn after every change of the signed-in state.
func (a *Auth) OnChange(fn func()) (cancel func()) {
	a.mu.Lock()
	id := a.next
	a.next++
	a.watchers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

func (a *Auth) set(token string, user *User) {
	a.mu.Lock()
	changed := a.token != token || (a.user == nil) != (user == nil) || (user != nil && *a.user != *user)
	a.token, a.user = token, user
	fns := make([]func(), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

func (a *Auth) onStoreChange(key string) {
	if key != KeyAccessToken && key != KeyUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Load(ctx); err != nil {
		a.logger.Warn("reloading auth state", "error", err)
	}
}
