package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/chat"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed between server pings before the link is considered dead.
	maxMessageSize = 1 << 20             // Inbound frames carry whole messages, images included.
	minBackoff     = 1 * time.Second
	maxBackoff     = 5 * time.Second
)

var ErrNotConnected = errors.New("socket: not connected")

// Dialer opens managed realtime connections to a websocket endpoint.
type Dialer struct {
	URL    string
	Logger *slog.Logger
	// WS defaults to websocket.DefaultDialer.
	WS *websocket.Dialer

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Dial starts a connection loop and returns immediately. The loop keeps
// reconnecting until Close; progress shows up as events.
func (d *Dialer) Dial(ctx context.Context, token string) (chat.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("socket url %q: scheme must be ws or wss", d.URL)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	lo, hi := d.MinBackoff, d.MaxBackoff
	if lo <= 0 {
		lo = minBackoff
	}
	if hi < lo {
		hi = max(maxBackoff, lo)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    u.String(),
		token:  token,
		dialer: ws,
		log:    logger,
		lo:     lo,
		hi:     hi,
		events: make(chan chat.Event, 256),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Conn is one realtime session. It owns the websocket and replaces it on
// reconnect; nothing outside this type touches the socket.
type Conn struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    *slog.Logger
	lo, hi time.Duration

	events chan chat.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	ws *websocket.Conn
}

func (c *Conn) Events() <-chan chat.Event { return c.events }

func (c *Conn) JoinChat(ctx context.Context, chatID chat.ID) error {
	return c.write(ctx, chat.EventJoinChat, chatID)
}

func (c *Conn) LeaveChat(ctx context.Context, chatID chat.ID) error {
	return c.write(ctx, chat.EventLeaveChat, chatID)
}

func (c *Conn) RequestOnlineUsers(ctx context.Context) error {
	return c.write(ctx, chat.EventGetOnlineUsers, nil)
}

// Close stops reconnecting, closes the socket and waits for the loop.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	var err error
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = ws.Close()
	}
	<-c.done
	return err
}

func (c *Conn) write(ctx context.Context, event string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := NewFrame(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(f)
}

func (c *Conn) run() {
	defer close(c.done)
	defer close(c.events)

	backoff := c.lo
	for {
		ws, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.emit(chat.ConnectError{Err: err})
			if !c.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, c.hi)
			continue
		}
		backoff = c.lo

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		// Close may have run between dial and publishing ws.
		if c.ctx.Err() != nil {
			ws.Close()
			return
		}

		c.emit(chat.Connected{})
		err = c.readPump(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.emit(chat.Disconnected{Err: err})
		if !c.sleep(backoff) {
			return
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	ws, resp, err := c.dialer.DialContext(c.ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return ws, nil
}

// readPump pumps frames from the websocket into the events channel.
func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("realtime read error", "error", err)
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("dropping malformed frame", "error", err)
			continue
		}
		ev, err := Decode(f)
		if err != nil {
			c.log.Warn("dropping undecodable event", "event", f.Event, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		c.emit(ev)
	}
}

func (c *Conn) emit(ev chat.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
