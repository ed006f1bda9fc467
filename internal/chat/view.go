package chat

import "context"

// View is the surface a front end consumes: the async operations plus the
// memoized reads, in one value.
type View struct {
	*Service
	*Selectors
}

func NewView(service *Service) *View {
	return &View{Service: service, Selectors: NewSelectors(service.Store())}
}

// SetActiveChatID is SelectChat under the name the UI layer uses.
func (v *View) SetActiveChatID(ctx context.Context, chatID ID) error {
	return v.SelectChat(ctx, chatID)
}

func (v *View) Messages() []Message { return v.ActiveMessages() }

func (v *View) AvailableUsers() []User { return v.Store().AvailableUsers() }

func (v *View) TotalUnreadChatMessages() int { return v.TotalUnread() }

type Status struct {
	LoadingChats    bool
	LoadingMessages bool
	Sending         bool
	Error           string
}

func (v *View) Status() Status {
	st := v.Store()
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Status{
		LoadingChats:    st.state.LoadingChats,
		LoadingMessages: st.state.LoadingMessages,
		Sending:         st.state.Sending,
		Error:           st.state.Error,
	}
}
