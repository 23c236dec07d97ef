package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WSClient carries signaling envelopes over a websocket connection to a
// store-and-forward server. One writer at a time; a single read loop feeds
// the registered handler.
type WSClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// DialWS connects to the signaling server at url.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	c := &WSClient{conn: conn}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	return c, nil
}

// OnMessage registers the inbound message handler.
func (c *WSClient) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Send writes one envelope to the server. Safe for concurrent use; writes
// are serialized on the connection.
func (c *WSClient) Send(ctx context.Context, msg Message) error {
	if msg.SentAt == 0 {
		msg.SentAt = uint64(time.Now().UnixMilli())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *WSClient) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Warnw("signaling read loop ended", "err", err)
			}
			return
		}
		if msg.ServerDeliveredAt == 0 {
			msg.ServerDeliveredAt = uint64(time.Now().UnixMilli())
		}

		c.mu.Lock()
		fn := c.handler
		c.mu.Unlock()
		if fn == nil {
			log.Warnw("dropping message with no handler", "kind", msg.Kind, "call_id", msg.CallID)
			continue
		}
		fn(msg)
	}
}
