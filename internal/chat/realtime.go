package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type SyncState int

const (
	StateDisconnected SyncState = iota
	StateConnecting
	StateConnected
)

func (s SyncState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const DefaultTypingTTL = 10 * time.Second

type SyncConfig struct {
	Dialer   Dialer
	Tokens   TokenSource
	Notifier Notifier
	Logger   *slog.Logger
	// TypingTTL drops typing indicators whose stop event never arrived.
	// Zero disables the sweep.
	TypingTTL time.Duration
}

// Sync keeps the store in step with the realtime channel for one
// authenticated session at a time.
type Sync struct {
	store    *Store
	service  *Service
	dialer   Dialer
	tokens   TokenSource
	notifier Notifier
	log      *slog.Logger
	ttl      time.Duration

	mu          sync.Mutex
	state       SyncState
	user        User
	conn        Conn
	joined      map[ID]bool
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	reloading   bool

	now func() time.Time
}

func NewSync(service *Service, cfg SyncConfig) *Sync {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		store:    service.Store(),
		service:  service,
		dialer:   cfg.Dialer,
		tokens:   cfg.Tokens,
		notifier: cfg.Notifier,
		log:      logger,
		ttl:      cfg.TypingTTL,
		now:      time.Now,
	}
}

func (s *Sync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnAuth moves the state machine on a session change. ctx bounds the whole
// realtime session, not just the dial.
func (s *Sync) OnAuth(ctx context.Context, a Auth) error {
	if !a.Authenticated || a.User.ID == "" {
		s.teardown()
		if a.LoggedOut {
			s.service.Reset()
		}
		return nil
	}

	s.mu.Lock()
	if s.state != StateDisconnected && s.user.ID == a.User.ID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.teardown()

	// A different account on the same device starts from an empty store.
	if prev := s.service.CurrentUser(); prev.ID != "" && prev.ID != a.User.ID {
		s.log.Info("session user changed, wiping chat state", "from", prev.ID, "to", a.User.ID)
		s.service.Reset()
	}

	token, err := s.tokens.Token(ctx)
	if err != nil || token == "" {
		s.log.Info("realtime stays offline, no stored token", "user_id", a.User.ID, "error", err)
		return err
	}
	s.service.SetCurrentUser(a.User)

	s.mu.Lock()
	s.state = StateConnecting
	s.user = a.User
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, token)
	if err != nil {
		s.log.Warn("realtime dial failed", "user_id", a.User.ID, "error", err)
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.joined = make(map[ID]bool)
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	unsubscribe := s.store.Subscribe(func(c Change) {
		if c&(ChangeChats|ChangeActive) != 0 {
			s.syncRooms(runCtx)
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	go s.run(runCtx, conn, done)
	s.log.Info("realtime connecting", "user_id", a.User.ID)
	return nil
}

// Close ends the realtime session without wiping chat state.
func (s *Sync) Close() { s.teardown() }

func (s *Sync) teardown() {
	s.mu.Lock()
	conn, cancel, unsubscribe, done := s.conn, s.cancel, s.unsubscribe, s.done
	s.conn, s.cancel, s.unsubscribe, s.done = nil, nil, nil, nil
	s.joined = nil
	s.state = StateDisconnected
	s.user = User{}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("realtime close", "error", err)
		}
	}
	if done != nil {
		<-done
	}
}

func (s *Sync) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	var sweep <-chan time.Time
	if s.ttl > 0 {
		ticker := time.NewTicker(s.ttl / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, ev)
		case now := <-sweep:
			if n := s.store.PruneTyping(now, s.ttl); n > 0 {
				s.log.Debug("pruned stale typing indicators", "count", n)
			}
		}
	}
}

// Handle applies one realtime event to the store.
func (s *Sync) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case Connected:
		s.mu.Lock()
		s.state = StateConnected
		s.joined = make(map[ID]bool)
		conn := s.conn
		s.mu.Unlock()

		s.syncRooms(ctx)
		if conn != nil {
			if err := conn.RequestOnlineUsers(ctx); err != nil {
				s.log.Warn("request online users failed", "error", err)
			}
		}
		s.log.Info("realtime connected")

	case ConnectError:
		s.log.Warn("realtime connect error", "error", e.Err)
		s.setConnecting()

	case Disconnected:
		s.log.Warn("realtime disconnected", "error", e.Err)
		s.setConnecting()

	case OnlineUsers:
		s.store.SetOnlineUsers(e.UserIDs)

	case UserOnline:
		s.store.SetUserOnline(e.UserID)

	case UserOffline:
		s.store.SetUserOffline(e.UserID)

	case UserTyping:
		if e.ChatID == "" || e.UserID == "" {
			return
		}
		s.store.SetUserTyping(e.ChatID, Typist{UserID: e.UserID, UserName: e.UserName, At: s.now()})

	case UserStoppedTyping:
		s.store.SetUserStoppedTyping(e.ChatID, e.UserID)

	case NewMessage:
		s.handleNewMessage(ctx, e.Message)

	default:
		s.log.Debug("unhandled realtime event", "event", ev.Name())
	}
}

func (s *Sync) handleNewMessage(ctx context.Context, msg Message) {
	chatID := msg.ChatID
	if chatID == "" {
		s.log.Warn("new_message without chat id dropped", "message_id", msg.ID)
		return
	}
	msg.State = Confirmed
	msg.TempID = ""

	known := s.store.HasChat(chatID)

	// Our own sends come back here too; they already carry the server id
	// from the send response, so the dedup-append collapses them.
	s.store.AppendMessage(chatID, msg)

	self := s.currentUserID()
	if msg.SenderID != self && chatID != s.store.ActiveChatID() {
		s.store.IncrementUnread(chatID)
		if s.notifier != nil {
			n := Notification{
				ChatID:     chatID,
				MessageID:  msg.ID,
				SenderID:   msg.SenderID,
				SenderName: msg.SenderName,
				Text:       msg.Snippet(),
				CreatedAt:  msg.CreatedAt,
			}
			if err := s.notifier.Notify(ctx, n); err != nil {
				s.log.Warn("notify failed", "chat_id", chatID, "error", err)
			}
		}
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	s.store.UpdateChatLastMessage(chatID, msg.Snippet(), at)

	if !known {
		s.reloadChats(ctx, chatID)
	}
}

// reloadChats refreshes the list in the background. A burst of messages
// from a new conversation shares one request.
func (s *Sync) reloadChats(ctx context.Context, chatID ID) {
	s.mu.Lock()
	if s.reloading {
		s.mu.Unlock()
		return
	}
	s.reloading = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.reloading = false
			s.mu.Unlock()
		}()
		if err := s.service.LoadChats(ctx); err != nil {
			s.log.Warn("reload chats for new conversation failed", "chat_id", chatID, "error", err)
		}
	}()
}

// syncRooms joins every known chat not joined yet on this connection and
// leaves the ones that are gone from the list.
func (s *Sync) syncRooms(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn

	want := make(map[ID]bool)
	for _, id := range s.store.ChatIDs() {
		want[id] = true
	}
	if active := s.store.ActiveChatID(); active != "" {
		want[active] = true
	}

	var join, leave []ID
	for id := range want {
		if !s.joined[id] {
			join = append(join, id)
			s.joined[id] = true
		}
	}
	for id := range s.joined {
		if !want[id] {
			leave = append(leave, id)
			delete(s.joined, id)
		}
	}
	s.mu.Unlock()

	for _, id := range join {
		if err := conn.JoinChat(ctx, id); err != nil {
			s.log.Warn("join chat failed", "chat_id", id, "error", err)
			s.mu.Lock()
			if s.joined != nil {
				delete(s.joined, id)
			}
			s.mu.Unlock()
		}
	}
	for _, id := range leave {
		if err := conn.LeaveChat(ctx, id); err != nil {
			s.log.Debug("leave chat failed", "chat_id", id, "error", err)
		}
	}
}

// Joined reports whether chatID was joined on the current connection.
func (s *Sync) Joined(chatID ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[chatID]
}

func (s *Sync) setConnecting() {
	s.mu.Lock()
	if s.conn != nil {
		s.state = StateConnecting
		s.joined = make(map[ID]bool)
	}
	s.mu.Unlock()
}

func (s *Sync) currentUserID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}
