package realtime

import (
	"sync"

	"github.com/coder/websocket"
)

// Channel is a live, registered duplex to one connected user.
//
// Send must never block: implementations enqueue into a bounded buffer and
// report ErrSendQueueFull or ErrChannelClosed instead of waiting.
type Channel interface {
	UserID() int64
	Send(frame []byte) error
	Close(code websocket.StatusCode, reason string)
}

// Client represents one connected websocket session.
//
// Design notes:
// - The outbound queue is never closed by the server so concurrent senders cannot panic.
// - done is closed exactly once; the first Close wins and its status is kept for the close frame.
type Client struct {
	sessionID string
	userID    int64
	username  string

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID int64, username, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		sessionID: sessionID,
		userID:    userID,
		username:  username,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the authenticated user behind this connection.
func (c *Client) UserID() int64 { return c.userID }

// Username returns the authenticated username.
func (c *Client) Username() string { return c.username }

// SessionID returns the per-connection id used in logs.
func (c *Client) SessionID() string { return c.sessionID }

// Send enqueues an encoded frame without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Outbound exposes the queue drained by the connection writer.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
func (c *Client) Close(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// CloseStatus returns the status recorded by the first Close call.
// It must only be called after Done is closed.
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	<-c.done
	return c.closeCode, c.closeReason
}
