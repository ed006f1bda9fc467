package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/config"
	"go-chat-sync/internal/session"
	"go-chat-sync/internal/socket"
)

var (
	apiURL     = flag.String("api", "http://localhost:8080", "chat API base URL")
	tokensFile = flag.String("tokens", "tokens.txt", "access tokens, one per line; consecutive lines form a pair")
	msgCount   = flag.Int("messages", 20, "messages per user")
	settle     = flag.Duration("settle", 10*time.Second, "how long to wait for both timelines to converge")
)

// Runs pairs of full clients (REST + realtime sync) against a live API and
// checks that both sides end up with the same deduplicated timeline.
func main() {
	flag.Parse()

	cfg := config.Config{APIURL: *apiURL}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	tokens, err := readTokens(*tokensFile)
	if err != nil {
		log.Fatalf("❌ Tokens: %v", err)
	}
	pairs := len(tokens) / 2
	if pairs == 0 {
		log.Fatal("❌ Need at least two tokens")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", pairs*2, *msgCount)
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)

	// Pair i is tokens[2i] talking to tokens[2i+1].
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, cfg, logger, tokens[2*pairID], tokens[2*pairID+1]); err != nil {
				failures.Add(1)
				log.Printf("❌ Pair %d: %v", pairID, err)
			}
		}(i)
	}

	wg.Wait()
	if n := failures.Load(); n > 0 {
		log.Fatalf("❌ %d of %d pairs failed", n, pairs)
	}
	log.Println("✅ LOAD TEST COMPLETE")
}

type client struct {
	user     chat.User
	service  *chat.Service
	realtime *chat.Sync
}

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger, token string) (*client, error) {
	sessions := session.NewManager(&session.MemoryStore{}, logger)
	service := chat.NewService(api.NewClient(cfg.APIURL, sessions, nil), chat.NewStore(), logger)
	realtime := chat.NewSync(service, chat.SyncConfig{
		Dialer: &socket.Dialer{URL: cfg.WSURL, Logger: logger},
		Tokens: sessions,
		Logger: logger,
	})

	var syncErr error
	sessions.Subscribe(func(ctx context.Context, a chat.Auth) { syncErr = realtime.OnAuth(ctx, a) })
	user, err := sessions.Login(ctx, token)
	if err != nil {
		return nil, err
	}
	if syncErr != nil {
		return nil, fmt.Errorf("realtime for %s: %w", user.ID, syncErr)
	}
	return &client{user: user, service: service, realtime: realtime}, nil
}

func runPair(ctx context.Context, cfg config.Config, logger *slog.Logger, tokenA, tokenB string) error {
	// 1. Log both sides in
	a, err := connect(ctx, cfg, logger, tokenA)
	if err != nil {
		return err
	}
	defer a.realtime.Close()
	b, err := connect(ctx, cfg, logger, tokenB)
	if err != nil {
		return err
	}
	defer b.realtime.Close()

	// 2. A opens the chat, B picks it up from the list
	c, err := a.service.CreateChat(ctx, b.user.ID)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if err := b.service.LoadChats(ctx); err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	if err := waitUntil(*settle, func() bool { return a.realtime.Joined(c.ID) && b.realtime.Joined(c.ID) }); err != nil {
		return fmt.Errorf("join %s: %w", c.ID, err)
	}

	// 3. Both sides send at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, cl := range []*client{a, b} {
		i, cl := i, cl
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = spamChat(ctx, cl, c.ID)
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// 4. Both timelines converge to the same messages
	want := 2 * *msgCount
	if err := waitUntil(*settle, func() bool {
		return confirmed(a, c.ID) == want && confirmed(b, c.ID) == want
	}); err != nil {
		return fmt.Errorf("timelines have %d/%d of %d messages: %w", confirmed(a, c.ID), confirmed(b, c.ID), want, err)
	}
	for _, cl := range []*client{a, b} {
		if err := checkTimeline(cl.service.Store().Messages(c.ID)); err != nil {
			return fmt.Errorf("%s: %w", cl.user.ID, err)
		}
	}

	// A has the chat open, B does not
	if n := a.service.Store().Unread(c.ID); n != 0 {
		return fmt.Errorf("active chat unread = %d, want 0", n)
	}
	if n := b.service.Store().Unread(c.ID); n != *msgCount {
		return fmt.Errorf("background chat unread = %d, want %d", n, *msgCount)
	}
	log.Printf("✅ %s <-> %s converged on %d msgs", a.user.ID, b.user.ID, want)
	return nil
}

func spamChat(ctx context.Context, cl *client, chatID chat.ID) error {
	for i := 0; i < *msgCount; i++ {
		text := fmt.Sprintf("LoadTest Msg %d from %s", i, cl.user.ID)
		if _, err := cl.service.SendOptimistic(ctx, chatID, text, ""); err != nil {
			return fmt.Errorf("send %d as %s: %w", i, cl.user.ID, err)
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func confirmed(cl *client, chatID chat.ID) int {
	n := 0
	for _, m := range cl.service.Store().Messages(chatID) {
		if m.State == chat.Confirmed {
			n++
		}
	}
	return n
}

func checkTimeline(msgs []chat.Message) error {
	seen := make(map[chat.ID]bool, len(msgs))
	for _, m := range msgs {
		if m.State == chat.Pending {
			return fmt.Errorf("message %s still pending", m.TempID)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate message %s", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

func waitUntil(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New("timed out")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func readTokens(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			tokens = append(tokens, line)
		}
	}
	return tokens, sc.Err()
}
