package chattest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// client is a middleman between one websocket connection and the hub.
type client struct {
	userID chat.ID
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[chat.ID]bool
}

// hub tracks live connections and their rooms.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("chattest: websocket upgrade", "error", err)
		return
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, 256), rooms: make(map[chat.ID]bool)}

	first := s.hub.register(c)
	if first {
		s.hub.broadcastExcept(userID, chat.EventUserOnline, map[string]chat.ID{"userId": userID})
	}

	go s.hub.writePump(c)
	s.hub.readPump(c)

	if last := s.hub.unregister(c); last {
		s.hub.broadcastExcept(userID, chat.EventUserOffline, map[string]chat.ID{"userId": userID})
	}
}

func (h *hub) register(c *client) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first = true
	for other := range h.clients {
		if other.userID == c.userID {
			first = false
		}
	}
	h.clients[c] = true
	return first
}

func (h *hub) unregister(c *client) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	for other := range h.clients {
		if other.userID == c.userID {
			return false
		}
	}
	return true
}

func (h *hub) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case chat.EventJoinChat, chat.EventLeaveChat:
			id, err := chat.NormalizeID(f.Data)
			if err != nil || id == "" {
				continue
			}
			h.mu.Lock()
			if f.Event == chat.EventJoinChat {
				c.rooms[id] = true
			} else {
				delete(c.rooms, id)
			}
			h.mu.Unlock()

		case chat.EventGetOnlineUsers:
			h.sendTo(c, chat.EventOnlineUsers, h.onlineUsers())
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeFrame(event string, data any) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(frame{Event: event, Data: raw})
	return b
}

// sendTo must not be called with h.mu held for writing.
func (h *hub) sendTo(c *client, event string, data any) {
	msg := encodeFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *hub) sendToUser(userID chat.ID, event string, data any) {
	msg := encodeFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

func (h *hub) sendToRoom(chatID chat.ID, event string, data any) {
	msg := encodeFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.rooms[chatID] {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

func (h *hub) broadcastExcept(userID chat.ID, event string, data any) {
	msg := encodeFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID != userID {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

func (h *hub) onlineUsers() []chat.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[chat.ID]bool)
	out := []chat.ID{}
	for c := range h.clients {
		if !seen[c.userID] {
			seen[c.userID] = true
			out = append(out, c.userID)
		}
	}
	return out
}

func (h *hub) inRoom(userID, chatID chat.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID && c.rooms[chatID] {
			return true
		}
	}
	return false
}

func (h *hub) connections(userID chat.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

func (h *hub) dropUser(userID chat.ID) {
	h.mu.RLock()
	var conns []*websocket.Conn
	for c := range h.clients {
		if c.userID == userID {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	var conns []*websocket.Conn
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
