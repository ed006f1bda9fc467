package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-chat-sync/internal/chat"
)

// Listener is told about every auth change.
type Listener func(ctx context.Context, a chat.Auth)

// Manager owns the stored credential and the current user.
type Manager struct {
	store TokenStore
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	token     string
	user      chat.User
	expires   time.Time
	listeners []Listener
}

func NewManager(store TokenStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, log: logger, now: time.Now}
}

// Subscribe adds a listener. Listeners run in order on the caller's
// goroutine.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Restore opens a session from the stored token, if there is a usable one.
func (m *Manager) Restore(ctx context.Context) (chat.User, error) {
	token, err := m.store.Load(ctx)
	if err != nil {
		return chat.User{}, err
	}
	u, exp, err := ParseToken(token, m.now())
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			m.log.Info("stored token expired", "expired_at", exp)
			_ = m.store.Clear(ctx)
		}
		return chat.User{}, err
	}
	m.set(token, u, exp)
	m.publish(ctx, chat.Auth{Authenticated: true, User: u})
	return u, nil
}

// Login stores token and opens a session for the user it names.
func (m *Manager) Login(ctx context.Context, token string) (chat.User, error) {
	u, exp, err := ParseToken(token, m.now())
	if err != nil {
		return chat.User{}, err
	}
	if err := m.store.Save(ctx, token); err != nil {
		return chat.User{}, err
	}
	m.set(token, u, exp)
	m.log.Info("logged in", "user_id", u.ID, "username", u.Name)
	m.publish(ctx, chat.Auth{Authenticated: true, User: u})
	return u, nil
}

// Logout forgets the token. Listeners see LoggedOut so they wipe local data.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.store.Clear(ctx)
	m.set("", chat.User{}, time.Time{})
	m.publish(ctx, chat.Auth{LoggedOut: true})
	return err
}

// Token implements chat.TokenSource.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	token, exp := m.token, m.expires
	m.mu.Unlock()
	if token != "" {
		if !exp.IsZero() && !m.now().Before(exp) {
			return "", ErrTokenExpired
		}
		return token, nil
	}
	return m.store.Load(ctx)
}

func (m *Manager) User() (chat.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user, m.user.ID != ""
}

func (m *Manager) set(token string, u chat.User, exp time.Time) {
	m.mu.Lock()
	m.token, m.user, m.expires = token, u, exp
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, a chat.Auth) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ctx, a)
	}
}
