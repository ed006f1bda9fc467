package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("chat: not found")
	ErrEmptyMessage = errors.New("chat: message needs text or an image")
	ErrNoChat       = errors.New("chat: no chat id")
)

// Transport is the REST side of the chat API.
type Transport interface {
	ListChats(ctx context.Context) ([]Chat, error)
	AvailableUsers(ctx context.Context) ([]User, error)
	ListMessages(ctx context.Context, chatID ID) ([]Message, error)
	CreateChat(ctx context.Context, participantID ID) (Chat, error)
	SendMessage(ctx context.Context, chatID ID, text, image string) (Message, error)
	DeleteChat(ctx context.Context, chatID ID) error
	// DeleteMessages returns the chat's new tail message, nil when the chat
	// is now empty.
	DeleteMessages(ctx context.Context, chatID ID, messageIDs []ID) (*Message, error)
}

// Service runs the async chat operations: a transport call followed by store
// reducers. Failures land in the store's Error field and are returned too;
// callers that only render state can ignore the error.
type Service struct {
	transport Transport
	store     *Store
	log       *slog.Logger

	mu       sync.Mutex
	user     User
	inflight map[ID]bool
	sending  int

	now func() time.Time
}

func NewService(transport Transport, store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transport: transport,
		store:     store,
		log:       logger,
		inflight:  make(map[ID]bool),
		now:       time.Now,
	}
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) SetCurrentUser(u User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *Service) CurrentUser() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// LoadChats replaces the chat list. On failure the list is emptied.
func (s *Service) LoadChats(ctx context.Context) error {
	s.clearError()
	s.store.SetLoadingChats(true)
	defer s.store.SetLoadingChats(false)

	chats, err := s.transport.ListChats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// session ended while the request was in flight
			return err
		}
		s.fail("load chats", err)
		s.store.SetChats(nil)
		return err
	}
	s.store.SetChats(chats)
	return nil
}

// LoadMessages replaces the timeline of chatID with the server history.
func (s *Service) LoadMessages(ctx context.Context, chatID ID) ([]Message, error) {
	if chatID == "" {
		return []Message{}, nil
	}
	s.clearError()
	s.store.SetLoadingMessages(true)
	defer s.store.SetLoadingMessages(false)

	msgs, err := s.transport.ListMessages(ctx, chatID)
	if err != nil {
		s.fail("load messages", err, "chat_id", chatID)
		return nil, err
	}
	s.store.ReplaceMessages(chatID, msgs)
	return s.store.Messages(chatID), nil
}

func (s *Service) LoadAvailableUsers(ctx context.Context) error {
	s.clearError()
	users, err := s.transport.AvailableUsers(ctx)
	if err != nil {
		s.fail("load available users", err)
		return err
	}
	s.store.SetAvailableUsers(users)
	return nil
}

// CreateChat opens (or reuses) the chat with participantID and makes it active.
func (s *Service) CreateChat(ctx context.Context, participantID ID) (Chat, error) {
	if participantID == "" {
		err := errors.New("chat: participant id is required")
		s.store.SetError(err.Error())
		return Chat{}, err
	}
	s.clearError()
	c, err := s.transport.CreateChat(ctx, participantID)
	if err != nil {
		s.fail("create chat", err, "participant_id", participantID)
		return Chat{}, err
	}
	s.store.AddChat(c)
	s.store.SetActiveChat(c.ID)
	return c, nil
}

// SendMessage posts a message. With a tempID the message is shown as pending
// first and confirmed in place once the server answers; on failure the
// pending entry is removed and nothing else changes.
func (s *Service) SendMessage(ctx context.Context, chatID ID, text, image string, tempID ID) (Message, error) {
	text = strings.TrimSpace(text)
	image = strings.TrimSpace(image)
	if text == "" && image == "" {
		s.store.SetError(ErrEmptyMessage.Error())
		return Message{}, ErrEmptyMessage
	}
	if chatID == "" {
		s.store.SetError(ErrNoChat.Error())
		return Message{}, ErrNoChat
	}

	s.clearError()
	if tempID != "" && !s.store.HasPending(chatID, tempID) {
		u := s.CurrentUser()
		s.store.AddPending(chatID, Message{
			TempID:     tempID,
			ChatID:     chatID,
			SenderID:   u.ID,
			SenderName: u.Name,
			Text:       text,
			Image:      image,
			CreatedAt:  s.now(),
		})
	}

	s.beginSend()
	defer s.endSend()

	msg, err := s.transport.SendMessage(ctx, chatID, text, image)
	if err != nil {
		s.store.RemoveMessage(chatID, tempID)
		s.fail("send message", err, "chat_id", chatID)
		return Message{}, err
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	if tempID != "" {
		s.store.ConfirmMessage(chatID, tempID, msg)
	} else {
		s.store.AppendMessage(chatID, msg)
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	s.store.UpdateChatLastMessage(chatID, msg.Snippet(), at)
	return msg, nil
}

// SendOptimistic is SendMessage with a freshly generated temp id.
func (s *Service) SendOptimistic(ctx context.Context, chatID ID, text, image string) (Message, error) {
	return s.SendMessage(ctx, chatID, text, image, ID("tmp-"+uuid.NewString()))
}

// DeleteChat removes the chat. A 404 means it is already gone, which is the
// outcome we wanted.
func (s *Service) DeleteChat(ctx context.Context, chatID ID) error {
	if chatID == "" {
		return ErrNoChat
	}
	s.clearError()
	if err := s.transport.DeleteChat(ctx, chatID); err != nil && !errors.Is(err, ErrNotFound) {
		s.fail("delete chat", err, "chat_id", chatID)
		return err
	}
	s.store.RemoveChat(chatID)
	return nil
}

// DeleteMessages removes messageIDs and recomputes the chat preview from the
// tail the server reports. On a 404 there is no report, so the local tail is
// used instead.
func (s *Service) DeleteMessages(ctx context.Context, chatID ID, messageIDs []ID) error {
	if chatID == "" {
		return ErrNoChat
	}
	if len(messageIDs) == 0 {
		return nil
	}
	s.clearError()
	tail, err := s.transport.DeleteMessages(ctx, chatID, messageIDs)
	notFound := errors.Is(err, ErrNotFound)
	if err != nil && !notFound {
		s.fail("delete messages", err, "chat_id", chatID)
		return err
	}
	s.store.RemoveMessages(chatID, messageIDs)

	if notFound {
		tail = lastConfirmed(s.store.Messages(chatID))
	}
	if tail == nil {
		s.store.UpdateChatLastMessage(chatID, "", time.Time{})
	} else {
		s.store.UpdateChatLastMessage(chatID, tail.Snippet(), tail.CreatedAt)
	}
	return nil
}

// SelectChat makes chatID active, clears its unread counter and fetches its
// history the first time only.
func (s *Service) SelectChat(ctx context.Context, chatID ID) error {
	s.store.SetActiveChat(chatID)
	if chatID == "" || s.store.Fetched(chatID) {
		return nil
	}

	s.mu.Lock()
	if s.inflight[chatID] {
		s.mu.Unlock()
		return nil
	}
	s.inflight[chatID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, chatID)
		s.mu.Unlock()
	}()

	_, err := s.LoadMessages(ctx, chatID)
	return err
}

// Reset wipes all chat state, used on logout.
func (s *Service) Reset() {
	s.mu.Lock()
	s.user = User{}
	s.inflight = make(map[ID]bool)
	s.mu.Unlock()
	s.store.Reset()
}

func (s *Service) beginSend() {
	s.mu.Lock()
	s.sending++
	s.mu.Unlock()
	s.store.SetSending(true)
}

func (s *Service) endSend() {
	s.mu.Lock()
	s.sending--
	busy := s.sending > 0
	s.mu.Unlock()
	s.store.SetSending(busy)
}

// clearError drops the previous failure when a new operation starts.
func (s *Service) clearError() { s.store.SetError("") }

func (s *Service) fail(op string, err error, attrs ...any) {
	s.log.Warn("chat "+op+" failed", append(attrs, "error", err)...)
	s.store.SetError(fmt.Sprintf("%s: %v", op, err))
}

func lastConfirmed(timeline []Message) *Message {
	for i := len(timeline) - 1; i >= 0; i-- {
		if timeline[i].State == Confirmed {
			m := timeline[i]
			return &m
		}
	}
	return nil
}
