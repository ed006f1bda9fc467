package cache

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"go-chat-sync/internal/chat"
)

// Transport writes every successful fetch through to the DB and answers
// reads from it while the API is unreachable. Writes always go to the API.
type Transport struct {
	next chat.Transport
	db   *DB
	log  *slog.Logger
}

func NewTransport(next chat.Transport, db *DB, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{next: next, db: db, log: logger}
}

// unreachable reports whether err came from the network rather than from
// the API or the session.
func unreachable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// read runs fetch and falls back to cached when the API can't be reached.
func read[T any](ctx context.Context, t *Transport, what string, fetch, cached func() (T, error), save func(T) error) (T, error) {
	v, err := fetch()
	if err == nil {
		if err := save(v); err != nil {
			t.log.Warn("cache write failed", "what", what, "error", err)
		}
		return v, nil
	}
	if !unreachable(ctx, err) {
		return v, err
	}
	c, cerr := cached()
	if cerr != nil {
		if !errors.Is(cerr, ErrMiss) {
			t.log.Warn("cache read failed", "what", what, "error", cerr)
		}
		return v, err
	}
	t.log.Warn("📦 API unreachable, serving cached data", "what", what, "error", err)
	return c, nil
}

func (t *Transport) ListChats(ctx context.Context) ([]chat.Chat, error) {
	return read(ctx, t, "chats",
		func() ([]chat.Chat, error) { return t.next.ListChats(ctx) },
		func() ([]chat.Chat, error) { return t.db.Chats(ctx) },
		func(v []chat.Chat) error { return t.db.SaveChats(ctx, v) })
}

func (t *Transport) AvailableUsers(ctx context.Context) ([]chat.User, error) {
	return read(ctx, t, "users",
		func() ([]chat.User, error) { return t.next.AvailableUsers(ctx) },
		func() ([]chat.User, error) { return t.db.Users(ctx) },
		func(v []chat.User) error { return t.db.SaveUsers(ctx, v) })
}

func (t *Transport) ListMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	return read(ctx, t, messagesKey(chatID),
		func() ([]chat.Message, error) { return t.next.ListMessages(ctx, chatID) },
		func() ([]chat.Message, error) { return t.db.Messages(ctx, chatID) },
		func(v []chat.Message) error { return t.db.SaveMessages(ctx, chatID, v) })
}

func (t *Transport) CreateChat(ctx context.Context, participantID chat.ID) (chat.Chat, error) {
	c, err := t.next.CreateChat(ctx, participantID)
	if err != nil {
		return c, err
	}
	t.warn("chat", t.db.PutChat(ctx, c))
	return c, nil
}

func (t *Transport) SendMessage(ctx context.Context, chatID chat.ID, text, image string) (chat.Message, error) {
	m, err := t.next.SendMessage(ctx, chatID, text, image)
	if err != nil {
		return m, err
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	t.warn("message", t.db.AppendMessage(ctx, m))
	return m, nil
}

func (t *Transport) DeleteChat(ctx context.Context, chatID chat.ID) error {
	err := t.next.DeleteChat(ctx, chatID)
	if err == nil || errors.Is(err, chat.ErrNotFound) {
		t.warn("chat", t.db.DeleteChat(ctx, chatID))
	}
	return err
}

func (t *Transport) DeleteMessages(ctx context.Context, chatID chat.ID, messageIDs []chat.ID) (*chat.Message, error) {
	tail, err := t.next.DeleteMessages(ctx, chatID, messageIDs)
	if err == nil || errors.Is(err, chat.ErrNotFound) {
		t.warn("messages", t.db.DeleteMessages(ctx, chatID, messageIDs))
	}
	return tail, err
}

func (t *Transport) warn(what string, err error) {
	if err != nil {
		t.log.Warn("cache write failed", "what", what, "error", err)
	}
}
