package chat

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Change is a bitmask naming the state slices a reducer touched.
type Change uint16

const (
	ChangeChats Change = 1 << iota
	ChangeMessages
	ChangeUnread
	ChangePresence
	ChangeTyping
	ChangeActive
	ChangeUsers
	ChangeStatus

	ChangeAll Change = 1<<iota - 1
)

// State is the full chat state. Values returned from Store are copies.
type State struct {
	Chats          []Chat
	Messages       map[ID][]Message
	Fetched        map[ID]bool
	Unread         map[ID]int
	Online         map[ID]bool
	Typing         map[ID]map[ID]Typist
	ActiveChatID   ID
	AvailableUsers []User

	LoadingChats    bool
	LoadingMessages bool
	Sending         bool
	Error           string
}

func newState() State {
	return State{
		Messages: make(map[ID][]Message),
		Fetched:  make(map[ID]bool),
		Unread:   make(map[ID]int),
		Online:   make(map[ID]bool),
		Typing:   make(map[ID]map[ID]Typist),
	}
}

type versions struct {
	chats, messages, unread, presence, typing, active uint64
}

// Store is the single mutable chat state. Every reducer takes the lock, so
// reducers are atomic with respect to each other regardless of which
// goroutine (REST callback, socket loop, UI) calls them. Subscribers run
// after the lock is released, on the goroutine that made the change.
type Store struct {
	mu      sync.RWMutex
	state   State
	ver     versions
	subs    map[int]func(Change)
	nextSub int
}

func NewStore() *Store {
	return &Store{
		state: newState(),
		subs:  make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called after every state change.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) update(fn func(st *State) Change) Change {
	s.mu.Lock()
	changed := fn(&s.state)
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	if changed&ChangeChats != 0 {
		s.ver.chats++
	}
	if changed&ChangeMessages != 0 {
		s.ver.messages++
	}
	if changed&ChangeUnread != 0 {
		s.ver.unread++
	}
	if changed&ChangePresence != 0 {
		s.ver.presence++
	}
	if changed&ChangeTyping != 0 {
		s.ver.typing++
	}
	if changed&ChangeActive != 0 {
		s.ver.active++
	}
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(changed)
	}
	return changed
}

// ---------------------------------------------
// Chat list
// ---------------------------------------------

func (s *Store) SetChats(chats []Chat) {
	s.update(func(st *State) Change {
		st.Chats = slices.Clone(chats)
		return ChangeChats
	})
}

// AddChat inserts chat at the front of the list unless a chat with the same
// id is already known. It reports whether the chat was inserted.
func (s *Store) AddChat(chat Chat) bool {
	return s.update(func(st *State) Change {
		if indexChat(st.Chats, chat.ID) >= 0 {
			return 0
		}
		st.Chats = append([]Chat{chat}, st.Chats...)
		return ChangeChats
	}) != 0
}

// RemoveChat drops the chat and everything keyed by it.
func (s *Store) RemoveChat(chatID ID) {
	s.update(func(st *State) Change {
		var changed Change
		if i := indexChat(st.Chats, chatID); i >= 0 {
			st.Chats = slices.Delete(slices.Clone(st.Chats), i, i+1)
			changed |= ChangeChats
		}
		if _, ok := st.Messages[chatID]; ok || st.Fetched[chatID] {
			delete(st.Messages, chatID)
			delete(st.Fetched, chatID)
			changed |= ChangeMessages
		}
		if _, ok := st.Unread[chatID]; ok {
			delete(st.Unread, chatID)
			changed |= ChangeUnread
		}
		if _, ok := st.Typing[chatID]; ok {
			delete(st.Typing, chatID)
			changed |= ChangeTyping
		}
		if st.ActiveChatID == chatID && chatID != "" {
			st.ActiveChatID = ""
			changed |= ChangeActive
		}
		return changed
	})
}

// UpdateChatLastMessage sets the list preview for a chat. Unknown chats are
// left alone; it reports whether the chat was found.
func (s *Store) UpdateChatLastMessage(chatID ID, text string, at time.Time) bool {
	return s.update(func(st *State) Change {
		i := indexChat(st.Chats, chatID)
		if i < 0 {
			return 0
		}
		st.Chats = slices.Clone(st.Chats)
		st.Chats[i].LastMessage = text
		st.Chats[i].LastMessageTime = at
		return ChangeChats
	}) != 0
}

// ---------------------------------------------
// Timelines
// ---------------------------------------------

// ReplaceMessages swaps the whole timeline for chatID and marks it fetched.
func (s *Store) ReplaceMessages(chatID ID, msgs []Message) {
	s.update(func(st *State) Change {
		timeline := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			m.State = Confirmed
			m.TempID = ""
			if m.ChatID == "" {
				m.ChatID = chatID
			}
			timeline = dedupAppend(timeline, m)
		}
		st.Messages[chatID] = timeline
		st.Fetched[chatID] = true
		return ChangeMessages
	})
}

// AppendMessage is the dedup-append: an entry with the same key is replaced
// in place, anything else goes to the end.
func (s *Store) AppendMessage(chatID ID, msg Message) {
	s.update(func(st *State) Change {
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		st.Messages[chatID] = dedupAppend(slices.Clone(st.Messages[chatID]), msg)
		return ChangeMessages
	})
}

// AddPending appends an optimistic entry keyed by its TempID.
func (s *Store) AddPending(chatID ID, msg Message) {
	msg.State = Pending
	msg.ID = ""
	s.AppendMessage(chatID, msg)
}

// HasPending reports whether a pending entry with tempID exists.
func (s *Store) HasPending(chatID, tempID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexPending(s.state.Messages[chatID], tempID) >= 0
}

// ConfirmMessage moves the pending entry tempID to Confirmed, keeping its
// position. A copy of the same server message that arrived over realtime in
// the meantime is dropped so the timeline holds the id once.
func (s *Store) ConfirmMessage(chatID, tempID ID, msg Message) {
	s.update(func(st *State) Change {
		msg.State = Confirmed
		msg.TempID = ""
		if msg.ChatID == "" {
			msg.ChatID = chatID
		}
		timeline := slices.Clone(st.Messages[chatID])
		pos := indexPending(timeline, tempID)
		if tempID == "" || pos < 0 {
			st.Messages[chatID] = dedupAppend(timeline, msg)
			return ChangeMessages
		}
		if msg.ID != "" {
			for i := len(timeline) - 1; i >= 0; i-- {
				if i != pos && timeline[i].State == Confirmed && timeline[i].ID == msg.ID {
					timeline = slices.Delete(timeline, i, i+1)
					if i < pos {
						pos--
					}
				}
			}
		}
		timeline[pos] = msg
		st.Messages[chatID] = timeline
		return ChangeMessages
	})
}

// RemoveMessage deletes the entry with the given key (temp id or server id).
func (s *Store) RemoveMessage(chatID, key ID) bool {
	return s.update(func(st *State) Change {
		timeline := st.Messages[chatID]
		i := slices.IndexFunc(timeline, func(m Message) bool { return m.Key() == key })
		if key == "" || i < 0 {
			return 0
		}
		st.Messages[chatID] = slices.Delete(slices.Clone(timeline), i, i+1)
		return ChangeMessages
	}) != 0
}

// RemoveMessages deletes confirmed entries whose server id is in ids.
func (s *Store) RemoveMessages(chatID ID, ids []ID) {
	drop := make(map[ID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.update(func(st *State) Change {
		timeline := st.Messages[chatID]
		kept := slices.DeleteFunc(slices.Clone(timeline), func(m Message) bool {
			return m.State == Confirmed && drop[m.ID]
		})
		if len(kept) == len(timeline) {
			return 0
		}
		st.Messages[chatID] = kept
		return ChangeMessages
	})
}

// ---------------------------------------------
// Unread, presence, typing
// ---------------------------------------------

func (s *Store) IncrementUnread(chatID ID) {
	s.update(func(st *State) Change {
		st.Unread[chatID]++
		return ChangeUnread
	})
}

func (s *Store) ClearUnread(chatID ID) {
	s.update(func(st *State) Change {
		if st.Unread[chatID] == 0 {
			return 0
		}
		delete(st.Unread, chatID)
		return ChangeUnread
	})
}

// SetOnlineUsers replaces the presence map with a snapshot.
func (s *Store) SetOnlineUsers(ids []ID) {
	s.update(func(st *State) Change {
		st.Online = make(map[ID]bool, len(ids))
		for _, id := range ids {
			st.Online[id] = true
		}
		return ChangePresence
	})
}

func (s *Store) SetUserOnline(userID ID)  { s.setPresence(userID, true) }
func (s *Store) SetUserOffline(userID ID) { s.setPresence(userID, false) }

func (s *Store) setPresence(userID ID, online bool) {
	s.update(func(st *State) Change {
		if cur, ok := st.Online[userID]; ok && cur == online {
			return 0
		}
		st.Online[userID] = online
		return ChangePresence
	})
}

func (s *Store) SetUserTyping(chatID ID, t Typist) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.update(func(st *State) Change {
		users := typingFor(st.Typing, chatID)
		users[t.UserID] = t
		return ChangeTyping
	})
}

func (s *Store) SetUserStoppedTyping(chatID, userID ID) {
	s.update(func(st *State) Change {
		users, ok := st.Typing[chatID]
		if !ok {
			return 0
		}
		if _, ok := users[userID]; !ok {
			return 0
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(st.Typing, chatID)
		}
		return ChangeTyping
	})
}

// PruneTyping removes typing entries older than ttl and returns how many
// were dropped.
func (s *Store) PruneTyping(now time.Time, ttl time.Duration) int {
	pruned := 0
	s.update(func(st *State) Change {
		for chatID, users := range st.Typing {
			for userID, t := range users {
				if now.Sub(t.At) >= ttl {
					delete(users, userID)
					pruned++
				}
			}
			if len(users) == 0 {
				delete(st.Typing, chatID)
			}
		}
		if pruned == 0 {
			return 0
		}
		return ChangeTyping
	})
	return pruned
}

// ---------------------------------------------
// Active chat, status flags
// ---------------------------------------------

// SetActiveChat moves the active pointer and zeroes the new active chat's
// unread counter in the same step.
func (s *Store) SetActiveChat(chatID ID) {
	s.update(func(st *State) Change {
		var changed Change
		if st.ActiveChatID != chatID {
			st.ActiveChatID = chatID
			changed |= ChangeActive
		}
		if st.Unread[chatID] != 0 {
			delete(st.Unread, chatID)
			changed |= ChangeUnread
		}
		return changed
	})
}

func (s *Store) SetAvailableUsers(users []User) {
	s.update(func(st *State) Change {
		st.AvailableUsers = slices.Clone(users)
		return ChangeUsers
	})
}

func (s *Store) SetLoadingChats(v bool) {
	s.update(func(st *State) Change { st.LoadingChats = v; return ChangeStatus })
}

func (s *Store) SetLoadingMessages(v bool) {
	s.update(func(st *State) Change { st.LoadingMessages = v; return ChangeStatus })
}

func (s *Store) SetSending(v bool) {
	s.update(func(st *State) Change { st.Sending = v; return ChangeStatus })
}

func (s *Store) SetError(msg string) {
	s.update(func(st *State) Change {
		if st.Error == msg {
			return 0
		}
		st.Error = msg
		return ChangeStatus
	})
}

// Reset wipes everything. Used on logout so nothing leaks into the next
// session.
func (s *Store) Reset() {
	s.update(func(st *State) Change {
		*st = newState()
		return ChangeAll
	})
}

// ---------------------------------------------
// Reads
// ---------------------------------------------

// Snapshot returns a deep copy of the state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	st.Chats = slices.Clone(st.Chats)
	st.AvailableUsers = slices.Clone(st.AvailableUsers)
	st.Messages = make(map[ID][]Message, len(s.state.Messages))
	for k, v := range s.state.Messages {
		st.Messages[k] = slices.Clone(v)
	}
	st.Fetched = maps.Clone(s.state.Fetched)
	st.Unread = maps.Clone(s.state.Unread)
	st.Online = maps.Clone(s.state.Online)
	st.Typing = make(map[ID]map[ID]Typist, len(s.state.Typing))
	for k, v := range s.state.Typing {
		st.Typing[k] = maps.Clone(v)
	}
	return st
}

func (s *Store) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.Chats)
}

func (s *Store) ChatIDs() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ID, 0, len(s.state.Chats))
	for _, c := range s.state.Chats {
		ids = append(ids, c.ID)
	}
	return ids
}

func (s *Store) HasChat(chatID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexChat(s.state.Chats, chatID) >= 0
}

func (s *Store) Messages(chatID ID) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.Messages[chatID])
}

func (s *Store) Fetched(chatID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Fetched[chatID]
}

func (s *Store) Unread(chatID ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Unread[chatID]
}

func (s *Store) ActiveChatID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ActiveChatID
}

func (s *Store) IsOnline(userID ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Online[userID]
}

func (s *Store) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Error
}

func (s *Store) AvailableUsers() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.AvailableUsers)
}

// ---------------------------------------------
// helpers
// ---------------------------------------------

func dedupAppend(timeline []Message, msg Message) []Message {
	if key := msg.Key(); key != "" {
		for i := range timeline {
			if timeline[i].State == msg.State && timeline[i].Key() == key {
				timeline[i] = msg
				return timeline
			}
		}
	}
	return append(timeline, msg)
}

func indexChat(chats []Chat, id ID) int {
	return slices.IndexFunc(chats, func(c Chat) bool { return c.ID == id })
}

func indexPending(timeline []Message, tempID ID) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(timeline, func(m Message) bool {
		return m.State == Pending && m.TempID == tempID
	})
}

func typingFor(m map[ID]map[ID]Typist, k ID) map[ID]Typist {
	inner, ok := m[k]
	if !ok {
		inner = make(map[ID]Typist)
		m[k] = inner
	}
	return inner
}
