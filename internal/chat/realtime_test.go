package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	events chan Event

	mu       sync.Mutex
	joins    []ID
	leaves   []ID
	presence int
	closed   bool
}

func newFakeConn() *fakeConn { return &fakeConn{events: make(chan Event, 16)} }

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) JoinChat(_ context.Context, id ID) error {
	c.mu.Lock()
	c.joins = append(c.joins, id)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) LeaveChat(_ context.Context, id ID) error {
	c.mu.Lock()
	c.leaves = append(c.leaves, id)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RequestOnlineUsers(context.Context) error {
	c.mu.Lock()
	c.presence++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) joined() []ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Clone(c.joins)
	slices.Sort(out)
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	tokens []string
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.tokens = append(d.tokens, token)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type syncFixture struct {
	tr       *fakeTransport
	svc      *Service
	store    *Store
	dialer   *fakeDialer
	notifier *recordingNotifier
	sync     *Sync
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		tr:       newFakeTransport(),
		dialer:   &fakeDialer{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.tr, NewStore(), discardLogger())
	f.store = f.svc.Store()
	f.sync = NewSync(f.svc, SyncConfig{
		Dialer:   f.dialer,
		Tokens:   staticToken("tok"),
		Notifier: f.notifier,
		Logger:   discardLogger(),
	})
	t.Cleanup(f.sync.Close)
	return f
}

// login authenticates as "me" and returns the connection after Connected
// has been handled.
func (f *syncFixture) login(t *testing.T, ctx context.Context) *fakeConn {
	t.Helper()
	if err := f.sync.OnAuth(ctx, Auth{Authenticated: true, User: User{ID: "me", Name: "Me"}}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	conn := f.dialer.conns[len(f.dialer.conns)-1]
	f.sync.Handle(ctx, Connected{})
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectedJoinsKnownChatsAndRequestsPresence(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}, {ID: "c2"}})
	f.store.SetActiveChat("c3")

	conn := f.login(t, ctx)

	if got := conn.joined(); !slices.Equal(got, []ID{"c1", "c2", "c3"}) {
		t.Fatalf("expected joins for c1 c2 c3, got %v", got)
	}
	if conn.presence != 1 {
		t.Fatalf("expected one presence request, got %d", conn.presence)
	}
	if f.sync.State() != StateConnected {
		t.Fatalf("expected connected, got %s", f.sync.State())
	}
	if f.dialer.tokens[0] != "tok" {
		t.Fatalf("expected stored token used for dial")
	}
	if f.svc.CurrentUser().ID != "me" {
		t.Fatalf("expected current user set")
	}
}

func TestNewChatIsJoinedOnce(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	conn := f.login(t, ctx)

	f.store.AddChat(Chat{ID: "c2"})
	f.store.SetActiveChat("c2")
	f.store.SetActiveChat("c1")

	if got := conn.joined(); !slices.Equal(got, []ID{"c1", "c2"}) {
		t.Fatalf("expected each chat joined once, got %v", got)
	}
	if !f.sync.Joined("c2") {
		t.Fatalf("expected c2 tracked as joined")
	}

	f.store.RemoveChat("c2")
	conn.mu.Lock()
	leaves := slices.Clone(conn.leaves)
	conn.mu.Unlock()
	if !slices.Equal(leaves, []ID{"c2"}) {
		t.Fatalf("expected c2 left after removal, got %v", leaves)
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	conn := f.login(t, ctx)

	f.sync.Handle(ctx, Disconnected{Err: errors.New("eof")})
	if f.sync.State() != StateConnecting {
		t.Fatalf("expected connecting after disconnect, got %s", f.sync.State())
	}
	f.sync.Handle(ctx, Connected{})
	if got := conn.joined(); !slices.Equal(got, []ID{"c1", "c1"}) {
		t.Fatalf("expected c1 joined again on the new link, got %v", got)
	}
}

func TestOwnMessageDoesNotCountAsUnread(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}, {ID: "c2"}})
	f.login(t, ctx)
	f.store.SetActiveChat("c2")

	f.sync.Handle(ctx, NewMessage{Message: Message{ID: "m1", ChatID: "c1", SenderID: "me", Text: "mine"}})

	if f.store.Unread("c1") != 0 {
		t.Fatalf("own message must not raise unread")
	}
	if got := f.store.Messages("c1"); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("own message still belongs in the timeline, got %v", keys(got))
	}
	if f.notifier.count() != 0 {
		t.Fatalf("own message must not notify")
	}
	if f.store.Chats()[0].LastMessage != "mine" {
		t.Fatalf("expected preview updated")
	}
}

func TestIncomingMessageInBackgroundChat(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}, {ID: "c2"}})
	f.login(t, ctx)
	f.store.SetActiveChat("c2")

	msg := Message{ID: "m1", ChatID: "c1", SenderID: "u2", SenderName: "Ann", Text: "hello"}
	f.sync.Handle(ctx, NewMessage{Message: msg})
	f.sync.Handle(ctx, NewMessage{Message: msg})

	if got := f.store.Unread("c1"); got != 2 {
		// each delivery counts; the timeline still dedups
		t.Fatalf("expected unread 2, got %d", got)
	}
	if got := f.store.Messages("c1"); len(got) != 1 {
		t.Fatalf("expected dedup on redelivery, got %v", keys(got))
	}
	if f.notifier.count() != 2 || f.notifier.got[0].SenderName != "Ann" || f.notifier.got[0].Text != "hello" {
		t.Fatalf("unexpected notifications %+v", f.notifier.got)
	}
}

func TestIncomingMessageInActiveChat(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	f.login(t, ctx)
	f.store.SetActiveChat("c1")

	f.sync.Handle(ctx, NewMessage{Message: Message{ID: "m1", ChatID: "c1", SenderID: "u2"}})
	if f.store.Unread("c1") != 0 || f.notifier.count() != 0 {
		t.Fatalf("active chat messages are read on arrival")
	}
}

func TestMessageForUnknownChatReloadsList(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.tr.chats = []Chat{{ID: "c9"}}
	f.login(t, ctx)

	f.sync.Handle(ctx, NewMessage{Message: Message{ID: "m1", ChatID: "c9", SenderID: "u2", Text: "new"}})

	waitFor(t, "chat list reload", func() bool { return f.store.HasChat("c9") })
	if f.tr.Calls("ListChats") != 1 {
		t.Fatalf("expected one list reload, got %d", f.tr.Calls("ListChats"))
	}
	conn := f.dialer.conns[0]
	waitFor(t, "join of the new chat", func() bool { return slices.Contains(conn.joined(), ID("c9")) })
}

func TestBurstFromUnknownChatReloadsListOnce(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.tr.chats = []Chat{{ID: "c9"}}
	f.tr.listBlock = make(chan struct{})
	f.login(t, ctx)

	for i, id := range []ID{"m1", "m2", "m3"} {
		f.sync.Handle(ctx, NewMessage{Message: Message{ID: id, ChatID: "c9", SenderID: "u2", Text: fmt.Sprint(i)}})
	}
	waitFor(t, "list reload started", func() bool { return f.tr.Calls("ListChats") == 1 })
	close(f.tr.listBlock)

	waitFor(t, "chat list reload", func() bool { return f.store.HasChat("c9") })
	if n := f.tr.Calls("ListChats"); n != 1 {
		t.Fatalf("expected one coalesced reload, got %d", n)
	}
	if len(f.store.Messages("c9")) != 3 {
		t.Fatalf("expected all three messages kept, got %d", len(f.store.Messages("c9")))
	}
}

func TestPresenceAndTypingEvents(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.login(t, ctx)

	f.sync.Handle(ctx, OnlineUsers{UserIDs: []ID{"u1", "u2"}})
	f.sync.Handle(ctx, UserOffline{UserID: "u1"})
	f.sync.Handle(ctx, UserOnline{UserID: "u3"})
	if f.store.IsOnline("u1") || !f.store.IsOnline("u2") || !f.store.IsOnline("u3") {
		t.Fatalf("unexpected presence %+v", f.store.Snapshot().Online)
	}

	f.sync.Handle(ctx, UserTyping{ChatID: "c1", UserID: "u2", UserName: "Ann"})
	if _, ok := f.store.Snapshot().Typing["c1"]["u2"]; !ok {
		t.Fatalf("expected u2 typing in c1")
	}
	f.sync.Handle(ctx, UserStoppedTyping{ChatID: "c1", UserID: "u2"})
	if len(f.store.Snapshot().Typing["c1"]) != 0 {
		t.Fatalf("expected typing cleared")
	}
}

func TestTypingSweepDropsStaleIndicators(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(tr, NewStore(), discardLogger())
	dialer := &fakeDialer{}
	s := NewSync(svc, SyncConfig{Dialer: dialer, Tokens: staticToken("tok"), Logger: discardLogger(), TypingTTL: 40 * time.Millisecond})
	t.Cleanup(s.Close)

	if err := s.OnAuth(context.Background(), Auth{Authenticated: true, User: User{ID: "me"}}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	dialer.conns[0].events <- UserTyping{ChatID: "c1", UserID: "u2"}

	waitFor(t, "typing indicator", func() bool { return len(svc.Store().Snapshot().Typing["c1"]) == 1 })
	waitFor(t, "typing sweep", func() bool { return len(svc.Store().Snapshot().Typing["c1"]) == 0 })
}

func TestOnAuthSameUserIsNoop(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.login(t, ctx)
	if err := f.sync.OnAuth(ctx, Auth{Authenticated: true, User: User{ID: "me"}}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	if f.dialer.dials() != 1 {
		t.Fatalf("expected a single connection, got %d", f.dialer.dials())
	}
}

func TestOnAuthUserSwitchReconnects(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	first := f.login(t, ctx)
	f.store.AppendMessage("c1", Message{ID: "m1", ChatID: "c1", SenderID: "u2"})
	f.store.IncrementUnread("c1")

	if err := f.sync.OnAuth(ctx, Auth{Authenticated: true, User: User{ID: "other"}}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed || f.dialer.dials() != 2 {
		t.Fatalf("expected old link closed and a new one dialed")
	}
	if f.svc.CurrentUser().ID != "other" {
		t.Fatalf("expected current user other, got %q", f.svc.CurrentUser().ID)
	}
	if len(f.store.Chats()) != 0 || len(f.store.Messages("c1")) != 0 || f.store.Unread("c1") != 0 {
		t.Fatalf("expected the previous user's chats wiped, got %+v", f.store.Snapshot())
	}
}

func TestSessionLossThenOtherUserWipesState(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.login(t, ctx)
	f.store.SetChats([]Chat{{ID: "c1"}})
	f.store.AppendMessage("c1", Message{ID: "m1", ChatID: "c1"})

	if err := f.sync.OnAuth(ctx, Auth{}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	if !f.store.HasChat("c1") {
		t.Fatalf("session loss alone must keep state")
	}
	if err := f.sync.OnAuth(ctx, Auth{Authenticated: true, User: User{ID: "other"}}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	if f.store.HasChat("c1") || len(f.store.Messages("c1")) != 0 {
		t.Fatalf("expected state wiped for a different user")
	}
}

func TestSameUserAfterSessionLossKeepsState(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.login(t, ctx)
	f.store.SetChats([]Chat{{ID: "c1"}})

	if err := f.sync.OnAuth(ctx, Auth{}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	f.login(t, ctx)
	if !f.store.HasChat("c1") {
		t.Fatalf("expected state kept when the same user comes back")
	}
}

func TestLogoutClosesAndResets(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	conn := f.login(t, ctx)
	f.store.IncrementUnread("c1")

	if err := f.sync.OnAuth(ctx, Auth{LoggedOut: true}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatalf("expected connection closed")
	}
	if f.sync.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", f.sync.State())
	}
	if len(f.store.Chats()) != 0 || f.store.Unread("c1") != 0 || f.svc.CurrentUser().ID != "" {
		t.Fatalf("expected state wiped on logout")
	}
}

func TestSessionLossKeepsState(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.store.SetChats([]Chat{{ID: "c1"}})
	f.login(t, ctx)

	if err := f.sync.OnAuth(ctx, Auth{}); err != nil {
		t.Fatalf("OnAuth: %v", err)
	}
	if f.sync.State() != StateDisconnected || len(f.store.Chats()) != 1 {
		t.Fatalf("expected disconnect without wiping chats")
	}
}

func TestDialFailureStaysDisconnected(t *testing.T) {
	f := newSyncFixture(t)
	f.dialer.err = errBoom
	err := f.sync.OnAuth(context.Background(), Auth{Authenticated: true, User: User{ID: "me"}})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if f.sync.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", f.sync.State())
	}
}
