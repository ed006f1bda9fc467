package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/chattest"
)

const ann = chat.ID("65af1c2e9b1d4a00000000a1")

func TestParseTokenFromAPI(t *testing.T) {
	srv := chattest.NewServer(t, chat.User{ID: ann, Name: "Ann"})
	u, exp, err := ParseToken(srv.Token(ann), time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.ID != ann || u.Name != "Ann" {
		t.Fatalf("unexpected user %+v", u)
	}
	if exp.Before(time.Now().Add(23 * time.Hour)) {
		t.Fatalf("expected a ~24h expiry, got %v", exp)
	}
}

func TestParseTokenExpired(t *testing.T) {
	srv := chattest.NewServer(t, chat.User{ID: ann})
	token := srv.TokenWithExpiry(ann, time.Now().Add(-time.Minute))
	if _, _, err := ParseToken(token, time.Now()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseTokenClaimVariants(t *testing.T) {
	sign := func(c jwt.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	withUID := sign(jwt.MapClaims{"_id": map[string]string{"$oid": string(ann)}, "name": "Ann"})
	u, _, err := ParseToken(withUID, time.Now())
	if err != nil || u.ID != ann || u.Name != "Ann" {
		t.Fatalf("expected _id/$oid claim to work, got %+v %v", u, err)
	}

	withSub := sign(jwt.RegisteredClaims{Subject: "42"})
	if u, _, err := ParseToken(withSub, time.Now()); err != nil || u.ID != "42" {
		t.Fatalf("expected subject fallback, got %+v %v", u, err)
	}

	if _, _, err := ParseToken(sign(jwt.MapClaims{"foo": "bar"}), time.Now()); err == nil {
		t.Fatalf("expected error for a token without a user id")
	}
	if _, _, err := ParseToken("garbage", time.Now()); err == nil {
		t.Fatalf("expected error for a malformed token")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := FileStore{Path: filepath.Join(t.TempDir(), "nested", "default.token")}

	if _, err := fs.Load(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken before save, got %v", err)
	}
	if err := fs.Save(ctx, "tok"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(fs.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	if got, err := fs.Load(ctx); err != nil || got != "tok" {
		t.Fatalf("expected tok, got %q %v", got, err)
	}
	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("second clear should be a no-op, got %v", err)
	}
}

func newManager(store TokenStore) *Manager {
	return NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestManagerLoginPublishesAndStores(t *testing.T) {
	srv := chattest.NewServer(t, chat.User{ID: ann, Name: "Ann"})
	store := &MemoryStore{}
	m := newManager(store)

	var got []chat.Auth
	m.Subscribe(func(_ context.Context, a chat.Auth) { got = append(got, a) })

	ctx := context.Background()
	token := srv.Token(ann)
	if _, err := m.Login(ctx, token); err != nil {
		t.Fatalf("login: %v", err)
	}
	if saved, _ := store.Load(ctx); saved != token {
		t.Fatalf("expected token stored")
	}
	if tok, err := m.Token(ctx); err != nil || tok != token {
		t.Fatalf("expected token source to serve the token, got %q %v", tok, err)
	}
	if u, ok := m.User(); !ok || u.ID != ann {
		t.Fatalf("expected current user ann")
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if len(got) != 2 || !got[0].Authenticated || got[0].User.ID != ann || !got[1].LoggedOut || got[1].Authenticated {
		t.Fatalf("unexpected auth sequence %+v", got)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected token cleared on logout")
	}
}

func TestManagerRestoreClearsExpiredToken(t *testing.T) {
	srv := chattest.NewServer(t, chat.User{ID: ann})
	store := &MemoryStore{}
	ctx := context.Background()
	store.Save(ctx, srv.TokenWithExpiry(ann, time.Now().Add(-time.Hour)))

	m := newManager(store)
	published := false
	m.Subscribe(func(context.Context, chat.Auth) { published = true })

	if _, err := m.Restore(ctx); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected expired token cleared")
	}
	if published {
		t.Fatalf("no session should be announced for an expired token")
	}
}

func TestManagerTokenExpiresInSession(t *testing.T) {
	srv := chattest.NewServer(t, chat.User{ID: ann})
	m := newManager(&MemoryStore{})
	ctx := context.Background()
	if _, err := m.Login(ctx, srv.TokenWithExpiry(ann, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("login: %v", err)
	}
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := m.Token(ctx); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	rs := NewRedisStore(rdb, "test-"+t.Name())
	defer rs.Clear(ctx)
	if _, err := rs.Load(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if err := rs.Save(ctx, "tok"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, err := rs.Load(ctx); err != nil || got != "tok" {
		t.Fatalf("expected tok, got %q %v", got, err)
	}
}
