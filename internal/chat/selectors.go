package chat

import (
	"slices"
	"strings"
	"sync"
)

// noMessages is returned whenever there is nothing to show, so consumers
// comparing slices across renders see the same value.
var noMessages = []Message{}

// Selectors are memoized read views over a Store. Each cache is keyed on the
// smallest slice of state it depends on.
type Selectors struct {
	store *Store

	mu sync.Mutex

	msgActive ID
	msgVer    uint64
	msgVal    []Message
	msgOK     bool

	typActive ID
	typVer    uint64
	typSelf   ID
	typVal    []Typist
	typOK     bool

	unreadVer uint64
	unreadVal int
	unreadOK  bool
}

func NewSelectors(store *Store) *Selectors {
	return &Selectors{store: store}
}

// ActiveMessages is the timeline of the active chat.
func (sel *Selectors) ActiveMessages() []Message {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	st := sel.store
	st.mu.RLock()
	defer st.mu.RUnlock()

	active, ver := st.state.ActiveChatID, st.ver.messages
	if sel.msgOK && sel.msgActive == active && sel.msgVer == ver {
		return sel.msgVal
	}
	timeline := st.state.Messages[active]
	if active == "" || len(timeline) == 0 {
		sel.msgVal = noMessages
	} else {
		sel.msgVal = slices.Clone(timeline)
	}
	sel.msgActive, sel.msgVer, sel.msgOK = active, ver, true
	return sel.msgVal
}

// ActiveChat looks up the active chat in the list.
func (sel *Selectors) ActiveChat() (Chat, bool) {
	st := sel.store
	st.mu.RLock()
	defer st.mu.RUnlock()

	active := st.state.ActiveChatID
	if active == "" {
		return Chat{}, false
	}
	if i := indexChat(st.state.Chats, active); i >= 0 {
		return st.state.Chats[i], true
	}
	return Chat{}, false
}

func (sel *Selectors) ActiveChatID() ID { return sel.store.ActiveChatID() }

func (sel *Selectors) Chats() []Chat { return sel.store.Chats() }

// TotalUnread is the sum of all unread counters.
func (sel *Selectors) TotalUnread() int {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	st := sel.store
	st.mu.RLock()
	defer st.mu.RUnlock()

	if sel.unreadOK && sel.unreadVer == st.ver.unread {
		return sel.unreadVal
	}
	total := 0
	for _, n := range st.state.Unread {
		total += n
	}
	sel.unreadVal, sel.unreadVer, sel.unreadOK = total, st.ver.unread, true
	return total
}

// TypingUsers lists who is typing in the active chat, without self, sorted
// by name.
func (sel *Selectors) TypingUsers(self ID) []Typist {
	sel.mu.Lock()
	defer sel.mu.Unlock()

	st := sel.store
	st.mu.RLock()
	defer st.mu.RUnlock()

	active, ver := st.state.ActiveChatID, st.ver.typing
	if sel.typOK && sel.typActive == active && sel.typVer == ver && sel.typSelf == self {
		return sel.typVal
	}
	var out []Typist
	for id, t := range st.state.Typing[active] {
		if id != self {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b Typist) int {
		if c := strings.Compare(a.UserName, b.UserName); c != 0 {
			return c
		}
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
	sel.typVal = out
	sel.typActive, sel.typVer, sel.typSelf, sel.typOK = active, ver, self, true
	return out
}

func (sel *Selectors) IsUserOnline(userID ID) bool { return sel.store.IsOnline(userID) }
