package chat

import "context"

// Realtime event names as they appear on the wire.
const (
	EventConnect           = "connect"
	EventConnectError      = "connect_error"
	EventDisconnect        = "disconnect"
	EventOnlineUsers       = "online_users"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventNewMessage        = "new_message"

	EventJoinChat       = "join_chat"
	EventLeaveChat      = "leave_chat"
	EventGetOnlineUsers = "get_online_users"
)

// Event is the closed set of things the realtime channel can tell us.
type Event interface {
	Name() string
	isEvent()
}

type Connected struct{}

type ConnectError struct {
	Err error
}

type Disconnected struct {
	Err error
}

type OnlineUsers struct {
	UserIDs []ID
}

type UserOnline struct {
	UserID ID `json:"userId"`
}

type UserOffline struct {
	UserID ID `json:"userId"`
}

type UserTyping struct {
	ChatID   ID     `json:"chatId"`
	UserID   ID     `json:"userId"`
	UserName string `json:"userName"`
}

type UserStoppedTyping struct {
	ChatID ID `json:"chatId"`
	UserID ID `json:"userId"`
}

type NewMessage struct {
	Message Message
}

func (Connected) Name() string         { return EventConnect }
func (ConnectError) Name() string      { return EventConnectError }
func (Disconnected) Name() string      { return EventDisconnect }
func (OnlineUsers) Name() string       { return EventOnlineUsers }
func (UserOnline) Name() string        { return EventUserOnline }
func (UserOffline) Name() string       { return EventUserOffline }
func (UserTyping) Name() string        { return EventUserTyping }
func (UserStoppedTyping) Name() string { return EventUserStoppedTyping }
func (NewMessage) Name() string        { return EventNewMessage }

func (Connected) isEvent()         {}
func (ConnectError) isEvent()      {}
func (Disconnected) isEvent()      {}
func (OnlineUsers) isEvent()       {}
func (UserOnline) isEvent()        {}
func (UserOffline) isEvent()       {}
func (UserTyping) isEvent()        {}
func (UserStoppedTyping) isEvent() {}
func (NewMessage) isEvent()        {}

// Conn is a live realtime connection. Implementations reconnect on their
// own and report it through Events.
type Conn interface {
	Events() <-chan Event
	JoinChat(ctx context.Context, chatID ID) error
	LeaveChat(ctx context.Context, chatID ID) error
	RequestOnlineUsers(ctx context.Context) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Notifier is the notification center.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
