package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errMalformedFrame marks frames that decoded as garbage; the connection
// itself is still healthy and keeps reading.
var errMalformedFrame = errors.New("gateway: malformed frame")

const (
	clientSendBuffer = 256
	writeTimeout     = 10 * time.Second
)

// Client is one duplex connection. Frames to the client go through a
// buffered channel drained by a single writer goroutine, so sends from any
// goroutine are safe and FIFO. A client that cannot keep up with its
// buffer is disconnected rather than allowed to stall the room.
type Client struct {
	id        string
	userID    string
	userName  string
	userColor string
	conn      *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an accepted websocket connection with its verified identity.
func NewClient(id, userID, userName, userColor string, conn *websocket.Conn) *Client {
	return &Client{
		id:        id,
		userID:    userID,
		userName:  userName,
		userColor: userColor,
		conn:      conn,
		send:      make(chan []byte, clientSendBuffer),
		done:      make(chan struct{}),
	}
}

// ID returns the process-assigned client identifier.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the verified user identifier bound at connection time.
func (c *Client) UserID() string {
	return c.userID
}

// UserName returns the verified display name bound at connection time.
func (c *Client) UserName() string {
	return c.userName
}

// UserColor returns the display color bound at connection time.
func (c *Client) UserColor() string {
	return c.userColor
}

// Send queues a frame for delivery. Frames are dropped with a connection
// close when the client's buffer is full.
func (c *Client) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.Close()
	}
}

// Close tears the connection down exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WritePump drains queued frames to the connection until the client closes.
// It must run on its own goroutine, one per client.
func (c *Client) WritePump() {
	defer c.Close()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadEnvelope blocks for the next client frame and decodes it.
func (c *Client) ReadEnvelope() (Envelope, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return envelope, nil
}
