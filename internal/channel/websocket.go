package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"launchpad/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WSConfig configures the WebSocket output.
type WSConfig struct {
	// Channels maps a channel name to the events it carries. Only clients
	// that asked for a known channel are accepted.
	Channels map[string][]string
	// CheckOrigin overrides the upgrader's origin check (default: allow all).
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// WebSocketOutput broadcasts notifications to websocket clients connected to
// a named channel (GET <path>?channel=app). It is an http.Handler; mounting
// it is the caller's job.
type WebSocketOutput struct {
	channels map[string][]string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn    *websocket.Conn
	channel string
	mu      sync.Mutex
}

// WSMessage is the JSON frame pushed to channel clients.
type WSMessage struct {
	Type      string `json:"type"` // "status" | "notification"
	Channel   string `json:"channel,omitempty"`
	Event     string `json:"event,omitempty"`
	Args      []any  `json:"args,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
}

func NewWebSocketOutput(cfg WSConfig) *WebSocketOutput {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WebSocketOutput{
		channels: cfg.Channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketOutput) Name() string { return "websocket" }

// Channels returns the configured channel map.
func (ws *WebSocketOutput) Channels() map[string][]string { return ws.channels }

// Forward sends n to every client of n.Channel.
func (ws *WebSocketOutput) Forward(ctx context.Context, n domain.Notification) error {
	msg := WSMessage{
		Type:      "notification",
		Channel:   n.Channel,
		Event:     n.Event,
		Args:      n.Args,
		Timestamp: n.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", n.Event, err)
	}

	ws.mu.RLock()
	targets := make([]*wsClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		if c.channel == n.Channel {
			targets = append(targets, c)
		}
	}
	ws.mu.RUnlock()

	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.write(data); err != nil {
			ws.logger.Debug("websocket write failed", "channel", c.channel, "err", err)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients on channel, or on all
// channels when channel is empty.
func (ws *WebSocketOutput) ClientCount(channel string) int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if channel == "" {
		return len(ws.clients)
	}
	n := 0
	for _, c := range ws.clients {
		if c.channel == channel {
			n++
		}
	}
	return n
}

func (ws *WebSocketOutput) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if _, ok := ws.channels[channel]; !ok {
		http.Error(w, fmt.Sprintf("unknown channel %q", channel), http.StatusNotFound)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, channel: channel}
	hello, _ := json.Marshal(WSMessage{Type: "status", Channel: channel, Content: "connected"})
	if err := client.write(hello); err != nil {
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("channel client connected", "client_id", clientID, "channel", channel)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("channel client disconnected", "client_id", clientID)
	}()

	// Clients never send anything meaningful; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

// CloseAll disconnects every client.
func (ws *WebSocketOutput) CloseAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, c := range ws.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
		delete(ws.clients, id)
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
