package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/config"
	"go-chat-sync/internal/notify"
	"go-chat-sync/internal/session"
	"go-chat-sync/internal/socket"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "chat API base URL")
	flag.StringVar(&cfg.WSURL, "ws", cfg.WSURL, "realtime websocket URL (derived from -api when empty)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "access token to log in with")
	flag.StringVar(&cfg.Profile, "profile", cfg.Profile, "profile name for the stored token")
	flag.StringVar(&cfg.CacheFile, "cache", cfg.CacheFile, "SQLite history cache used while offline (empty disables)")
	flag.DurationVar(&cfg.TypingTTL, "typing-ttl", cfg.TypingTTL, "drop typing indicators after this long (0 keeps them)")
	headless := flag.Bool("headless", false, "log notifications instead of opening the TUI")
	logout := flag.Bool("logout", false, "forget the stored token and exit")
	watch := flag.Bool("watch", false, "log notifications other clients publish to Redis (needs REDIS_ADDR)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	if *watch || (!*headless && !term.IsTerminal(int(os.Stdout.Fd()))) {
		*headless = true
	}

	logger, closeLog := newLogger(cfg, *headless)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Token storage: Redis when configured, a file otherwise
	var (
		rdb    *redis.Client
		tokens session.TokenStore = session.FileStore{Path: cfg.TokenFile}
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		tokens = session.NewRedisStore(rdb, cfg.Profile)
		logger.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)
	}
	sessions := session.NewManager(tokens, logger)

	// 3. Offline history cache
	var db *cache.DB
	if cfg.CacheFile != "" {
		if db, err = cache.Open(cfg.CacheFile); err != nil {
			logger.Warn("history cache disabled", "path", cfg.CacheFile, "error", err)
		} else {
			defer db.Close()
		}
	}

	if *watch {
		if rdb == nil {
			log.Fatal("❌ -watch needs REDIS_ADDR")
		}
		if err := runWatch(ctx, logger, notify.NewRedis(rdb, "")); err != nil {
			log.Fatalf("❌ Watch: %v", err)
		}
		return
	}

	if *logout {
		if err := sessions.Logout(ctx); err != nil {
			log.Fatalf("❌ Logout: %v", err)
		}
		if db != nil {
			if err := db.Clear(ctx); err != nil {
				log.Fatalf("❌ Clear cache: %v", err)
			}
		}
		fmt.Println("Logged out.")
		return
	}

	// 4. Chat feature
	var transport chat.Transport = api.NewClient(cfg.APIURL, sessions, nil)
	if db != nil {
		transport = cache.NewTransport(transport, db, logger)
	}
	store := chat.NewStore()
	service := chat.NewService(transport, store, logger)
	view := chat.NewView(service)

	inbox := notify.NewChannel(64)
	notifiers := notify.Multi{inbox}
	if rdb != nil {
		notifiers = append(notifiers, notify.NewRedis(rdb, ""))
	}
	if *headless {
		notifiers = append(notifiers, notify.Log{Logger: logger})
	}

	realtime := chat.NewSync(service, chat.SyncConfig{
		Dialer:    &socket.Dialer{URL: cfg.WSURL, Logger: logger},
		Tokens:    sessions,
		Notifier:  notifiers,
		Logger:    logger,
		TypingTTL: cfg.TypingTTL,
	})
	defer realtime.Close()

	sessions.Subscribe(func(ctx context.Context, a chat.Auth) {
		if err := realtime.OnAuth(ctx, a); err != nil {
			logger.Warn("realtime unavailable", "error", err)
		}
		if a.LoggedOut && db != nil {
			if err := db.Clear(ctx); err != nil {
				logger.Warn("cache clear failed", "error", err)
			}
		}
		if a.Authenticated {
			go func() {
				if err := service.LoadChats(ctx); err != nil {
					logger.Warn("initial chat load failed", "error", err)
				}
			}()
		}
	})

	// 5. Session
	var user chat.User
	if cfg.Token != "" {
		user, err = sessions.Login(ctx, cfg.Token)
	} else {
		user, err = sessions.Restore(ctx)
	}
	if errors.Is(err, session.ErrNoToken) {
		log.Fatal("❌ Not logged in: pass -token or set CHAT_TOKEN")
	}
	if err != nil {
		log.Fatalf("❌ Session: %v", err)
	}
	logger.Info("🚀 Session started", "user_id", user.ID, "username", user.Name, "api", cfg.APIURL)

	if *headless {
		runHeadless(ctx, logger, inbox)
		return
	}
	if err := runTUI(ctx, view, user, inbox); err != nil {
		log.Fatalf("❌ TUI: %v", err)
	}
}

func runHeadless(ctx context.Context, logger *slog.Logger, inbox *notify.Channel) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-inbox.C:
			// notify.Log already wrote it; draining keeps the buffer open.
		}
	}
}

func runWatch(ctx context.Context, logger *slog.Logger, r *notify.Redis) error {
	sub, err := r.Subscribe(ctx)
	if err != nil {
		return err
	}
	logger.Info("👀 Watching notifications")
	for n := range sub {
		logger.Info("new message", "chat_id", n.ChatID, "sender", n.SenderName, "text", n.Text)
	}
	return nil
}

// newLogger logs to stderr in headless mode. The TUI owns the terminal, so
// there logs go to a file next to the token.
func newLogger(cfg config.Config, headless bool) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if headless {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}
	}
	path := filepath.Join(filepath.Dir(cfg.TokenFile), "chatcli.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
			return slog.New(slog.NewTextHandler(f, opts)), func() { f.Close() }
		}
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
}
