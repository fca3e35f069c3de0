package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// Client is one connected signaling peer.
type Client struct {
	conn         *websocket.Conn
	clientID     string
	userID       int
	send         chan []byte
	incomingPing chan string
	onSignal     func(ctx context.Context, c *Client, sig domain.Signal)
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	closed       bool
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// NewClient creates a signaling client over an upgraded connection.
func NewClient(conn *websocket.Conn, clientID string, userID int, onSignal func(ctx context.Context, c *Client, sig domain.Signal)) *Client {
	ctx := context.TODO()
	ctx = context.WithValue(ctx, log.CtxUserID, userID)
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:         conn,
		clientID:     clientID,
		userID:       userID,
		send:         make(chan []byte, 256),
		incomingPing: make(chan string, 1),
		onSignal:     onSignal,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ClientID returns the connection's unique identifier.
func (c *Client) ClientID() string { return c.clientID }

// UserID returns the authenticated user behind this connection.
func (c *Client) UserID() int { return c.userID }

// Run starts the connection goroutines.
func (c *Client) Run() {
	c.setupHandlers()

	go c.ping()
	go c.readPump()
	go c.writePump()
}

func (c *Client) setupHandlers() {
	c.conn.SetCloseHandler(func(code int, text string) error {
		log.WithCtx(c.ctx).Debug("signaling connection closed", zap.Int("code", code), zap.String("text", text))
		c.Close()
		return nil
	})

	c.conn.SetPingHandler(func(appData string) error {
		c.incomingPing <- appData
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// Close gracefully closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.send != nil {
		close(c.send)
	}
}

// IsClosed reports whether the connection is closed.
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context returns the client's context.
func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) ping() {
	for {
		select {
		case <-c.incomingPing:
		case <-time.After(pingPeriod):
			if c.IsClosed() {
				return
			}

			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				log.WithCtx(c.ctx).Error("failed to send ping", zap.Error(err))
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump parses inbound frames as signaling envelopes and hands them to
// the registered handler. Unparseable frames are dropped.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		if c.IsClosed() {
			return
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithCtx(c.ctx).Error("signaling read error", zap.Error(err))
			}
			return
		}

		var sig domain.Signal
		if err := json.Unmarshal(message, &sig); err != nil || sig.Type == "" || sig.CallID == "" {
			log.WithCtx(c.ctx).Debug("dropping malformed signal", zap.ByteString("message", message))
			continue
		}

		if c.onSignal != nil {
			c.onSignal(c.ctx, c, sig)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if c.IsClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithCtx(c.ctx).Error("failed to write signal", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// SendSignal marshals and queues one signaling event for delivery.
func (c *Client) SendSignal(sig domain.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an already-encoded frame. A full queue closes the
// connection rather than blocking the caller.
func (c *Client) SendRaw(message []byte) error {
	if c.IsClosed() {
		return websocket.ErrCloseSent
	}

	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.Close()
		return websocket.ErrCloseSent
	}
}
