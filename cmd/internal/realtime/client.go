package realtime

import (
	"errors"
	"sync"
)

var (
	// ErrClientClosed is returned when delivering to a handle that has shut down.
	ErrClientClosed = errors.New("realtime: client closed")
	// ErrBackpressure is returned when a handle's send queue is full.
	ErrBackpressure = errors.New("realtime: send queue full")
)

// Handle is the outbound side of one live connection.
//
// Deliver must never block; a failed delivery is reported, not retried.
// Close must be idempotent.
type Handle interface {
	Deliver(p Payload) error
	Close()
}

// Client represents one connected websocket session.
//
// Design notes:
// - send is never closed so concurrent Deliver calls cannot panic.
// - done signals the writer goroutine to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Identity  string

	send      chan Payload
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(identity, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	return &Client{
		SessionID: sessionID,
		Identity:  identity,
		send:      make(chan Payload, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Deliver enqueues p without blocking.
func (c *Client) Deliver(p Payload) error {
	if c == nil {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- p:
		return nil
	default:
		return ErrBackpressure
	}
}

// Send returns the queue drained by the connection writer.
func (c *Client) Send() <-chan Payload { return c.send }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
