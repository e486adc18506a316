package signal

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkeye/groupcall/internal/core"
)

// wsSignalConn is the single-writer outbound side of a websocket. Frames are
// queued and written by the connection's write pump only.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSSignalConn(conn *websocket.Conn, buffer int) *wsSignalConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsSignalConn{conn: conn, send: make(chan core.Frame, buffer)}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is already queued
// and then closes the socket.
func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
