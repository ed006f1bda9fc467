package socket

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go-chat-sync/internal/chat"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Decode turns an inbound frame into a chat event. Unknown event names
// return (nil, nil).
func Decode(f Frame) (chat.Event, error) {
	switch f.Event {
	case chat.EventOnlineUsers:
		ids, err := decodeUserIDs(f.Data)
		if err != nil {
			return nil, err
		}
		return chat.OnlineUsers{UserIDs: ids}, nil

	case chat.EventUserOnline:
		id, err := decodeUserID(f.Data)
		if err != nil {
			return nil, err
		}
		return chat.UserOnline{UserID: id}, nil

	case chat.EventUserOffline:
		id, err := decodeUserID(f.Data)
		if err != nil {
			return nil, err
		}
		return chat.UserOffline{UserID: id}, nil

	case chat.EventUserTyping:
		var ev chat.UserTyping
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return ev, nil

	case chat.EventUserStoppedTyping:
		var ev chat.UserStoppedTyping
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return ev, nil

	case chat.EventNewMessage:
		var msg chat.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return chat.NewMessage{Message: msg}, nil

	case chat.EventConnectError, "error":
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil || payload.Message == "" {
			payload.Message = string(f.Data)
		}
		return chat.ConnectError{Err: fmt.Errorf("server: %s", payload.Message)}, nil
	}
	return nil, nil
}

// online_users arrives as a bare array; some servers wrap it.
func decodeUserIDs(data json.RawMessage) ([]chat.ID, error) {
	data = bytes.TrimSpace(data)
	var ids []chat.ID
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			UserIDs []chat.ID `json:"userIds"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode online_users: %w", err)
		}
		return wrapped.UserIDs, nil
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode online_users: %w", err)
	}
	return ids, nil
}

func decodeUserID(data json.RawMessage) (chat.ID, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var payload struct {
			UserID chat.ID `json:"userId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", err
		}
		if payload.UserID != "" {
			return payload.UserID, nil
		}
	}
	return chat.NormalizeID(data)
}
