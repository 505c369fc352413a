package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorelay/chatrelay/internal/auth"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one registered connection: the identity admitted on it, the
// underlying websocket, and the outbound channel drained by its write
// pump. The registry owns the client while registered; the session holds
// it only to queue events and close it.
type Client struct {
	conn      *websocket.Conn
	sessionId string
	identity  auth.Identity
	log       *log.Logger
	send      chan *ServerEvent
	stop      chan struct{}
	closeOnce sync.Once
}

func NewClient(identity auth.Identity, conn *websocket.Conn, sessionId string, l *log.Logger) *Client {
	return &Client{
		conn:      conn,
		sessionId: sessionId,
		identity:  identity,
		log:       l,
		send:      make(chan *ServerEvent, sendBufferSize),
		stop:      make(chan struct{}),
	}
}

// writePump is the single writer on the connection. Serializing all
// sends through one goroutine keeps per-connection delivery order equal
// to queueEvent order and satisfies the websocket one-writer rule.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("session %s: write pump exiting", c.sessionId)
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(event)
			if err != nil {
				c.log.Printf("session %s: serialize event: %v", c.sessionId, err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// queueEvent hands an event to the write pump without blocking. A false
// return means the buffer is full, which the registry treats as a dead
// peer.
func (c *Client) queueEvent(event *ServerEvent) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- event:
	default:
		c.log.Printf("session %s: send buffer full, dropping event", c.sessionId)
		return false
	}

	return true
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("session %s: write message: %s", c.sessionId, err)
		}
		return false
	}

	return true
}

// writeClose sends a close frame with the given code. Best effort; the
// connection is torn down by close regardless.
func (c *Client) writeClose(code int) {
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}

// close stops the write pump and closes the connection. Safe to call
// from both the registry and the session teardown.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
