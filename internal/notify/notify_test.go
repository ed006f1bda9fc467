package notify

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"go-chat-sync/internal/chat"
)

func TestChannelDropsWhenFull(t *testing.T) {
	ch := NewChannel(1)
	ctx := context.Background()
	if err := ch.Notify(ctx, chat.Notification{ChatID: "c1"}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := ch.Notify(ctx, chat.Notification{ChatID: "c2"}); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
	if n := <-ch.C; n.ChatID != "c1" {
		t.Fatalf("expected c1, got %s", n.ChatID)
	}
}

type failing struct{ err error }

func (f failing) Notify(context.Context, chat.Notification) error { return f.err }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a, b := NewChannel(1), NewChannel(1)
	boom := errors.New("boom")
	m := Multi{a, failing{boom}, nil, b}

	err := m.Notify(context.Background(), chat.Notification{ChatID: "c1", Text: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to carry boom, got %v", err)
	}
	if len(a.C) != 1 || len(b.C) != 1 {
		t.Fatalf("expected every notifier reached despite the failure")
	}
	if err := (Multi{a}).Notify(context.Background(), chat.Notification{}); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped from the full channel, got %v", err)
	}
}

func TestLogNeverFails(t *testing.T) {
	if err := (Log{}).Notify(context.Background(), chat.Notification{ChatID: "c1"}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	r := NewRedis(rdb, "chat-notifications-test")
	sub, err := r.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.Notify(ctx, chat.Notification{ChatID: "c1", SenderName: "Ann", Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case n := <-sub:
		if n.ChatID != "c1" || n.Text != "hi" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for notification")
	}
}
