package livequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned by client operations after the connection
// ended.
var ErrClientClosed = errors.New("livequery: client closed")

// Client is a websocket client for the live-query protocol.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu   sync.Mutex
	subs map[string]chan Message

	pongs chan struct{}
	done  chan struct{}
	err   error
}

// ClientSubscription receives the frames of one subscription. C is closed
// when the server completes the subscription or the connection ends.
type ClientSubscription struct {
	ID string
	C  <-chan Message

	client *Client
}

// Dial connects to a live-query endpoint such as ws://127.0.0.1:7350/graphql-ws.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:     ws,
		logger: logger,
		subs:   make(map[string]chan Message),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Subscribe asks the server for a subscription to event.
func (c *Client) Subscribe(event string, initial bool) (*ClientSubscription, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan Message, 16)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClientClosed
	default:
	}
	c.subs[id] = ch
	c.mu.Unlock()

	if err := c.send(Message{Type: TypeSubscribe, ID: id, Event: event, Initial: initial}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}
	return &ClientSubscription{ID: id, C: ch, client: c}, nil
}

// Complete ends the subscription. C is closed once no more frames can
// arrive for it.
func (s *ClientSubscription) Complete() error {
	c := s.client
	c.mu.Lock()
	ch, ok := c.subs[s.ID]
	delete(c.subs, s.ID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	close(ch)
	return c.send(Message{Type: TypeComplete, ID: s.ID})
}

// Ping sends an application ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.send(Message{Type: TypePing}); err != nil {
		return 0, err
	}
	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-c.done:
		return 0, ErrClientClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		close(c.done)
		c.mu.Unlock()
	}()

	for {
		var msg Message
		if err = c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			return
		}

		switch msg.Type {
		case TypePong:
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		case TypeNext, TypeError, TypeComplete:
			c.route(msg)
		default:
			c.logger.Debug("unexpected live-query frame", "type", msg.Type)
		}
	}
}

// route hands msg to its subscription. Frames for unknown ids are dropped;
// a complete frame closes the subscription's channel.
func (c *Client) route(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.subs[msg.ID]
	if !ok {
		if msg.Type == TypeError {
			c.logger.Warn("live-query error", "id", msg.ID, "message", msg.Message)
		}
		return
	}
	if msg.Type == TypeComplete {
		close(ch)
		delete(c.subs, msg.ID)
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Warn("live-query subscription buffer full, frame dropped", "id", msg.ID, "event", msg.Event)
	}
}
