package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------
// 🗂️ API Models
// ---------------------------------------------

type User struct {
	ID     ID     `json:"_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// UnmarshalJSON accepts a full user object or a bare id reference.
func (u *User) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		id, err := NormalizeID(data)
		if err != nil {
			return err
		}
		*u = User{ID: id}
		return nil
	}
	var w struct {
		OID    json.RawMessage `json:"$oid"`
		UID    json.RawMessage `json:"_id"`
		ID     json.RawMessage `json:"id"`
		Name   string          `json:"name"`
		Email  string          `json:"email"`
		Avatar string          `json:"avatar"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	if len(w.OID) > 0 {
		id, err := NormalizeID(data)
		if err != nil {
			return err
		}
		*u = User{ID: id}
		return nil
	}
	id, err := firstID(w.UID, w.ID)
	if err != nil {
		return err
	}
	*u = User{ID: id, Name: w.Name, Email: w.Email, Avatar: w.Avatar}
	return nil
}

type Chat struct {
	ID              ID        `json:"_id"`
	Participants    []User    `json:"participants,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
}

func (c *Chat) UnmarshalJSON(data []byte) error {
	var w struct {
		UID             json.RawMessage `json:"_id"`
		ID              json.RawMessage `json:"id"`
		Participants    []User          `json:"participants"`
		LastMessage     json.RawMessage `json:"lastMessage"`
		LastMessageTime *time.Time      `json:"lastMessageTime"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode chat: %w", err)
	}
	id, err := firstID(w.UID, w.ID)
	if err != nil {
		return err
	}
	*c = Chat{ID: id, Participants: w.Participants}
	if w.LastMessageTime != nil {
		c.LastMessageTime = *w.LastMessageTime
	}
	// lastMessage is usually a text snippet, some servers populate it.
	if last := bytes.TrimSpace(w.LastMessage); len(last) > 0 && last[0] == '{' {
		var m Message
		if err := json.Unmarshal(last, &m); err != nil {
			return err
		}
		c.LastMessage = m.Snippet()
		if c.LastMessageTime.IsZero() {
			c.LastMessageTime = m.CreatedAt
		}
	} else if len(last) > 0 && !bytes.Equal(last, []byte("null")) {
		if err := json.Unmarshal(last, &c.LastMessage); err != nil {
			return fmt.Errorf("decode lastMessage: %w", err)
		}
	}
	return nil
}

// HasParticipant reports whether the user takes part in the chat.
func (c Chat) HasParticipant(id ID) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Peer returns the first participant that is not self.
func (c Chat) Peer(self ID) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return User{}, false
}

// MessageState tags a timeline entry as an optimistic local send or a
// server-persisted message.
type MessageState uint8

const (
	Confirmed MessageState = iota
	Pending
)

func (s MessageState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

type Message struct {
	ID         ID           `json:"_id,omitempty"`
	TempID     ID           `json:"-"`
	State      MessageState `json:"-"`
	ChatID     ID           `json:"chatId"`
	SenderID   ID           `json:"sender"`
	SenderName string       `json:"senderName,omitempty"`
	Text       string       `json:"text,omitempty"`
	Image      string       `json:"image,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		UID        json.RawMessage `json:"_id"`
		ID         json.RawMessage `json:"id"`
		ChatID     json.RawMessage `json:"chatId"`
		Chat       json.RawMessage `json:"chat"`
		Sender     json.RawMessage `json:"sender"`
		SenderID   json.RawMessage `json:"senderId"`
		SenderName string          `json:"senderName"`
		Text       string          `json:"text"`
		Image      string          `json:"image"`
		CreatedAt  *time.Time      `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	id, err := firstID(w.UID, w.ID)
	if err != nil {
		return err
	}
	chatID, err := firstID(w.ChatID, w.Chat)
	if err != nil {
		return err
	}
	*m = Message{ID: id, ChatID: chatID, SenderName: w.SenderName, Text: w.Text, Image: w.Image}
	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	}

	// sender is an id or a populated user
	if sender := bytes.TrimSpace(w.Sender); len(sender) > 0 && sender[0] == '{' {
		var u User
		if err := json.Unmarshal(sender, &u); err != nil {
			return err
		}
		m.SenderID = u.ID
		if m.SenderName == "" {
			m.SenderName = u.Name
		}
		return nil
	}
	m.SenderID, err = firstID(w.Sender, w.SenderID)
	return err
}

// Key identifies the entry inside a timeline: the server id once confirmed,
// the temp id while pending.
func (m Message) Key() ID {
	if m.State == Pending {
		return m.TempID
	}
	return m.ID
}

// Snippet is what the chat list shows as lastMessage.
func (m Message) Snippet() string {
	if m.Text != "" {
		return m.Text
	}
	if m.Image != "" {
		return "📷 Image"
	}
	return ""
}

type Typist struct {
	UserID   ID        `json:"userId"`
	UserName string    `json:"userName"`
	At       time.Time `json:"-"`
}

// Auth is the session view RealtimeSync reacts to.
type Auth struct {
	Authenticated bool
	User          User
	// LoggedOut distinguishes an explicit logout from an expired or
	// unavailable session; only the former wipes local chat state.
	LoggedOut bool
}

// Notification is what the notification center receives for an incoming
// message in a background chat.
type Notification struct {
	ChatID     ID        `json:"chatId"`
	MessageID  ID        `json:"messageId"`
	SenderID   ID        `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

func firstID(candidates ...json.RawMessage) (ID, error) {
	for _, raw := range candidates {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		id, err := NormalizeID(raw)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}
