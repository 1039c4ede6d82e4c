package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"launchpad/internal/metrics"
	"launchpad/internal/subscription"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn is one websocket client. Each subscribe frame opens one subscription
// and one pump goroutine; closing the connection cancels all of them.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription.Subscription
	wg   sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("live-query upgrade failed", "err", err)
		return
	}

	c := &conn{
		srv:  s,
		ws:   ws,
		id:   uuid.NewString(),
		subs: make(map[string]*subscription.Subscription),
	}
	c.logger = s.logger.With("conn_id", c.id)

	s.conns.Add(1)
	metrics.LiveQueryConnections.Inc()
	c.logger.Info("live-query client connected", "remote", r.RemoteAddr)

	defer func() {
		s.conns.Add(-1)
		metrics.LiveQueryConnections.Dec()
		c.logger.Info("live-query client disconnected")
	}()

	c.serve(r.Context())
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	stopPing := c.keepalive(ctx)
	c.readLoop(ctx)

	// Pumps range over All(ctx); cancelling ctx ends them and cancels their
	// subscriptions.
	cancel()
	stopPing()
	c.wg.Wait()
	c.ws.Close()
}

func (c *conn) keepalive(ctx context.Context) (stop func()) {
	interval := c.srv.cfg.PingInterval
	c.ws.SetReadDeadline(time.Now().Add(2 * interval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * interval))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Server shutdown: ask the client to close and give it a
				// moment to answer before the read loop times out.
				c.writeMu.Lock()
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				c.writeMu.Unlock()
				c.ws.SetReadDeadline(time.Now().Add(time.Second))
				return
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("ping failed", "err", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *conn) readLoop(ctx context.Context) {
	interval := c.srv.cfg.PingInterval
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("live-query read error", "err", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(2 * interval))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(Message{Type: TypeError, Message: "invalid message: " + err.Error()})
			continue
		}

		switch msg.Type {
		case TypeSubscribe:
			c.subscribe(ctx, msg)
		case TypeComplete:
			c.complete(msg.ID)
		case TypePing:
			c.send(Message{Type: TypePong})
		case TypePong:
		default:
			c.send(Message{Type: TypeError, ID: msg.ID, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (c *conn) subscribe(ctx context.Context, msg Message) {
	if msg.ID == "" || msg.Event == "" {
		c.send(Message{Type: TypeError, ID: msg.ID, Message: "subscribe requires id and event"})
		return
	}
	if !ValidEventName(msg.Event) {
		c.send(Message{Type: TypeError, ID: msg.ID, Message: "invalid event name"})
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[msg.ID]; dup {
		c.mu.Unlock()
		c.send(Message{Type: TypeError, ID: msg.ID, Message: fmt.Sprintf("subscriber for %s already exists", msg.ID)})
		return
	}
	if len(c.subs) >= c.srv.cfg.MaxSubscriptionsPerConn {
		c.mu.Unlock()
		c.send(Message{Type: TypeError, ID: msg.ID, Message: "too many subscriptions on this connection"})
		return
	}
	sub := c.srv.cfg.Manager.Open(msg.Event, msg.Initial, subscription.WithLogger(c.logger))
	c.subs[msg.ID] = sub
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("subscribed", "id", msg.ID, "event", msg.Event, "initial", msg.Initial, "sub_id", sub.ID())
	go c.pump(ctx, msg.ID, sub)
}

// pump forwards subscription values as next frames. When the subscription
// ends for a reason other than the client's complete, the client is told
// with a complete frame.
func (c *conn) pump(ctx context.Context, id string, sub *subscription.Subscription) {
	defer c.wg.Done()

	for v, err := range sub.All(ctx) {
		if err != nil {
			break
		}
		args, err := encodeArgs(v.Args)
		if err != nil {
			c.send(Message{Type: TypeError, ID: id, Event: v.Event, Message: "cannot encode args: " + err.Error()})
			continue
		}
		if err := c.send(Message{Type: TypeNext, ID: id, Event: v.Event, Initial: v.Initial, Args: args}); err != nil {
			break
		}
	}

	c.mu.Lock()
	ours := c.subs[id] == sub
	if ours {
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if ours && ctx.Err() == nil {
		c.send(Message{Type: TypeComplete, ID: id})
	}
}

// complete handles a client's complete frame.
func (c *conn) complete(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
		c.logger.Debug("subscription completed by client", "id", id)
	}
}

func (c *conn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}
