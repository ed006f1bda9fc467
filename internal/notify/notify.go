package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"go-chat-sync/internal/chat"
)

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n chat.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("new message", "chat_id", n.ChatID, "sender", n.SenderName, "text", n.Text)
	return nil
}

// Channel hands notifications to a consumer such as a UI loop. When the
// buffer is full the notification is dropped rather than stalling the
// realtime loop.
type Channel struct {
	C chan chat.Notification
}

func NewChannel(size int) *Channel {
	return &Channel{C: make(chan chat.Notification, size)}
}

var ErrDropped = errors.New("notify: buffer full, notification dropped")

func (c *Channel) Notify(_ context.Context, n chat.Notification) error {
	select {
	case c.C <- n:
		return nil
	default:
		return ErrDropped
	}
}

// Redis publishes each notification as JSON on a pub/sub channel so other
// processes (desktop notifier, another terminal) can pick it up.
type Redis struct {
	rdb     *redis.Client
	channel string
}

const DefaultRedisChannel = "chat-notifications"

func NewRedis(rdb *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{rdb: rdb, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, n chat.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// Subscribe streams notifications published on the channel until ctx ends.
// It returns once the server has confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context) (<-chan chat.Notification, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	out := make(chan chat.Notification, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n chat.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					slog.Warn("bad notification payload", "error", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Multi fans a notification out to every notifier and returns the joined
// errors.
type Multi []chat.Notifier

func (m Multi) Notify(ctx context.Context, n chat.Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
