package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-chat-sync/internal/chat"
)

// Client is the REST side of the chat API (base path /chat).
type Client struct {
	baseURL string
	http    *http.Client
	tokens  chat.TokenSource
}

func NewClient(baseURL string, tokens chat.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// StatusError is a non-2xx answer. A 404 matches chat.ErrNotFound.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == chat.ErrNotFound && e.Code == http.StatusNotFound
}

func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := c.do(ctx, http.MethodGet, "/chat", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) AvailableUsers(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := c.do(ctx, http.MethodGet, "/chat/available-users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) ListMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) CreateChat(ctx context.Context, participantID chat.ID) (chat.Chat, error) {
	var created chat.Chat
	body := map[string]chat.ID{"participantId": participantID}
	if err := c.do(ctx, http.MethodPost, "/chat", body, &created); err != nil {
		return chat.Chat{}, err
	}
	return created, nil
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, chatID chat.ID, text, image string) (chat.Message, error) {
	var msg chat.Message
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "messages"), sendRequest{Text: text, Image: image}, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID chat.ID) error {
	return c.do(ctx, http.MethodDelete, chatPath(chatID), nil, nil)
}

type deleteMessagesRequest struct {
	MessageIDs []chat.ID `json:"messageIds"`
}

type deleteMessagesResponse struct {
	LastMessage *chat.Message `json:"lastMessage"`
}

func (c *Client) DeleteMessages(ctx context.Context, chatID chat.ID, messageIDs []chat.ID) (*chat.Message, error) {
	var res deleteMessagesResponse
	if err := c.do(ctx, http.MethodDelete, chatPath(chatID, "messages"), deleteMessagesRequest{MessageIDs: messageIDs}, &res); err != nil {
		return nil, err
	}
	return res.LastMessage, nil
}

func chatPath(chatID chat.ID, rest ...string) string {
	p := "/chat/" + url.PathEscape(chatID.String())
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Message: errorMessage(resp.Body),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls a readable message out of an error body: {"message"},
// {"error"} or plain text.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
