// internal/broadcast/conn.go
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by writes on a connection that was closed.
var ErrConnClosed = errors.New("broadcast: connection closed")

// conn adapts a websocket connection to Subscriber. Data writes are
// serialized by mu; control frames go through WriteControl, which gorilla
// allows concurrently with other writers.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *conn) SendBinary(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) ping() error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame and tears the socket down. Only the first call
// does anything; later calls return ErrConnClosed.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}
