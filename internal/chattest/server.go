// Package chattest runs an in-process chat API for tests: the REST surface
// under /chat and the realtime channel under /ws.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"go-chat-sync/internal/chat"
)

type chatRecord struct {
	chat     chat.Chat
	messages []chat.Message
}

type Server struct {
	*httptest.Server

	// ExtendedJSON makes the server encode ids as {"$oid": ...} and senders
	// as populated objects, the way a Mongo-backed API does.
	ExtendedJSON bool

	secret string
	hub    *hub

	mu       sync.Mutex
	users    map[chat.ID]chat.User
	chats    map[chat.ID]*chatRecord
	order    []chat.ID
	requests map[string]int
	failures map[string]int
}

// NewServer starts a server that knows users and shuts it down with t.
func NewServer(t testing.TB, users ...chat.User) *Server {
	t.Helper()
	s := &Server{
		secret:   "chattest-secret",
		users:    make(map[chat.ID]chat.User),
		chats:    make(map[chat.ID]*chatRecord),
		requests: make(map[string]int),
		failures: make(map[string]int),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	s.hub = newHub()
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.hub.closeAll()
		s.Server.Close()
	})
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/ws", s.serveWs)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/", s.listChats)
			r.Post("/", s.createChat)
			r.Get("/available-users", s.availableUsers)
			r.Delete("/{chatID}", s.deleteChat)
			r.Get("/{chatID}/messages", s.listMessages)
			r.Post("/{chatID}/messages", s.sendMessage)
			r.Delete("/{chatID}/messages", s.deleteMessages)
		})
	})
	return r
}

// WSURL is the realtime endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// ---------------------------------------------
// Test hooks
// ---------------------------------------------

// AddChat seeds a chat between participants and returns it.
func (s *Server) AddChat(id chat.ID, participants ...chat.ID) chat.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := chat.Chat{ID: id}
	for _, p := range participants {
		c.Participants = append(c.Participants, s.userLocked(p))
	}
	s.chats[id] = &chatRecord{chat: c}
	s.order = append(s.order, id)
	return c
}

// AddMessage seeds a message into a chat's history.
func (s *Server) AddMessage(chatID, senderID chat.ID, text string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(chatID, senderID, text, "")
}

// Requests counts requests for "METHOD /path".
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

// FailNext answers the next request for "METHOD /path" with status.
func (s *Server) FailNext(method, path string, status int) {
	s.mu.Lock()
	s.failures[method+" "+path] = status
	s.mu.Unlock()
}

// Push sends a realtime event to every connection of userID.
func (s *Server) Push(userID chat.ID, event string, data any) {
	s.hub.sendToUser(userID, event, data)
}

// PushMessage delivers a new_message for chatID to the users in that room,
// as the API does after a send.
func (s *Server) PushMessage(msg chat.Message) {
	s.hub.sendToRoom(msg.ChatID, chat.EventNewMessage, s.wireMessage(msg))
}

// WaitJoined blocks until userID has joined chatID on a live connection.
func (s *Server) WaitJoined(t testing.TB, userID, chatID chat.ID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.hub.inRoom(userID, chatID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s never joined chat %s", userID, chatID)
}

// WaitConnected blocks until userID has n live connections.
func (s *Server) WaitConnected(t testing.TB, userID chat.ID, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.hub.connections(userID) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s has %d connections, want %d", userID, s.hub.connections(userID), n)
}

// DropConnections closes every socket of userID from the server side.
func (s *Server) DropConnections(userID chat.ID) {
	s.hub.dropUser(userID)
}

// ---------------------------------------------
// Middleware
// ---------------------------------------------

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + strings.TrimRight(r.URL.Path, "/")
		s.mu.Lock()
		s.requests[key]++
		status, fail := s.failures[key]
		delete(s.failures, key)
		s.mu.Unlock()

		if fail {
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------
// Handlers
// ---------------------------------------------

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r)
	s.mu.Lock()
	out := []any{}
	for _, id := range s.order {
		rec := s.chats[id]
		if rec.chat.HasParticipant(me) {
			out = append(out, s.wireChat(rec.chat))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) availableUsers(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r)
	s.mu.Lock()
	out := []chat.User{}
	for id, u := range s.users {
		if id != me {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b chat.User) int { return strings.Compare(string(a.ID), string(b.ID)) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID chat.ID `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}
	me := userFrom(r)

	s.mu.Lock()
	if _, ok := s.users[req.ParticipantID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	for _, id := range s.order {
		c := s.chats[id].chat
		if len(c.Participants) == 2 && c.HasParticipant(me) && c.HasParticipant(req.ParticipantID) {
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, s.wireChat(c))
			return
		}
	}
	c := chat.Chat{
		ID:           chat.ID(primitive.NewObjectID().Hex()),
		Participants: []chat.User{s.userLocked(me), s.userLocked(req.ParticipantID)},
	}
	s.chats[c.ID] = &chatRecord{chat: c}
	s.order = append(s.order, c.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, s.wireChat(c))
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chat.ParseID(chi.URLParam(r, "chatID"))
	s.mu.Lock()
	_, ok := s.chats[chatID]
	if ok {
		delete(s.chats, chatID)
		s.order = slices.DeleteFunc(s.order, func(id chat.ID) bool { return id == chatID })
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.member(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := make([]any, 0, len(rec.messages))
	for _, m := range rec.messages {
		out = append(out, s.wireMessage(m))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.member(w, r)
	if !ok {
		return
	}
	var req struct {
		Text  string `json:"text"`
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.Image == "" {
		writeError(w, http.StatusBadRequest, "text or image is required")
		return
	}

	s.mu.Lock()
	msg := s.appendLocked(rec.chat.ID, userFrom(r), req.Text, req.Image)
	s.mu.Unlock()

	s.PushMessage(msg)
	writeJSON(w, http.StatusCreated, s.wireMessage(msg))
}

func (s *Server) deleteMessages(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.member(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageIDs []chat.ID `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	rec.messages = slices.DeleteFunc(rec.messages, func(m chat.Message) bool {
		return slices.Contains(req.MessageIDs, m.ID)
	})
	var last any
	if n := len(rec.messages); n > 0 {
		last = s.wireMessage(rec.messages[n-1])
		rec.chat.LastMessage = rec.messages[n-1].Text
		rec.chat.LastMessageTime = rec.messages[n-1].CreatedAt
	} else {
		rec.chat.LastMessage = ""
		rec.chat.LastMessageTime = time.Time{}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"lastMessage": last})
}

// member resolves {chatID} and checks the caller takes part in it.
func (s *Server) member(w http.ResponseWriter, r *http.Request) (*chatRecord, bool) {
	chatID := chat.ParseID(chi.URLParam(r, "chatID"))
	s.mu.Lock()
	rec, ok := s.chats[chatID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	if !rec.chat.HasParticipant(userFrom(r)) {
		writeError(w, http.StatusForbidden, "not a participant")
		return nil, false
	}
	return rec, true
}

// ---------------------------------------------
// helpers
// ---------------------------------------------

func (s *Server) appendLocked(chatID, senderID chat.ID, text, image string) chat.Message {
	rec := s.chats[chatID]
	msg := chat.Message{
		ID:         chat.ID(primitive.NewObjectID().Hex()),
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: s.users[senderID].Name,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if rec == nil {
		return msg
	}
	rec.messages = append(rec.messages, msg)
	rec.chat.LastMessage = msg.Snippet()
	rec.chat.LastMessageTime = msg.CreatedAt
	return msg
}

func (s *Server) userLocked(id chat.ID) chat.User {
	if u, ok := s.users[id]; ok {
		return u
	}
	return chat.User{ID: id}
}

func (s *Server) wireID(id chat.ID) any {
	if s.ExtendedJSON {
		return map[string]string{"$oid": string(id)}
	}
	return id
}

func (s *Server) wireChat(c chat.Chat) any {
	participants := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, map[string]any{"_id": s.wireID(p.ID), "name": p.Name})
	}
	out := map[string]any{
		"_id":          s.wireID(c.ID),
		"participants": participants,
		"lastMessage":  c.LastMessage,
	}
	if !c.LastMessageTime.IsZero() {
		out["lastMessageTime"] = c.LastMessageTime
	}
	return out
}

func (s *Server) wireMessage(m chat.Message) any {
	out := map[string]any{
		"_id":       s.wireID(m.ID),
		"chatId":    s.wireID(m.ChatID),
		"text":      m.Text,
		"createdAt": m.CreatedAt,
	}
	if m.Image != "" {
		out["image"] = m.Image
	}
	if s.ExtendedJSON {
		out["sender"] = map[string]any{"_id": s.wireID(m.SenderID), "name": m.SenderName}
	} else {
		out["sender"] = m.SenderID
		out["senderName"] = m.SenderName
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
