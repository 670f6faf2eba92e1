package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Connection wraps one WebSocket connection with its metadata and a write
// mutex for serializing outbound frames. The same type serves the client
// side (masked frames) and the server side of the stub backend.
type Connection struct {
	ID        string    // connection ID (UUID), used for logging
	Conn      net.Conn  // underlying network connection
	CreatedAt time.Time // when the connection was established

	side         ws.State
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last inbound frame
	writeMu      sync.Mutex   // serializes writes to this connection
	done         chan struct{}
	closeOnce    sync.Once
}

// NewConnection wraps conn. side is ws.StateClientSide for connections this
// process dialed and ws.StateServerSide for upgraded ones. A non-nil br holds
// bytes the handshake already buffered and is drained before conn.
func NewConnection(conn net.Conn, br *bufio.Reader, side ws.State, writeTimeout time.Duration) *Connection {
	if br != nil {
		if br.Buffered() > 0 {
			conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
		} else {
			ws.PutReader(br)
		}
	}
	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		CreatedAt:    time.Now(),
		side:         side,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.Touch()
	return c
}

// ReadMessage blocks until the next text or binary data frame arrives.
// Control frames are answered internally.
func (c *Connection) ReadMessage() ([]byte, error) {
	data, _, err := wsutil.ReadData(c.Conn, c.side)
	if err != nil {
		return nil, err
	}
	c.Touch()
	return data, nil
}

// WriteMessage sends a WebSocket text frame on this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteMessage(c.Conn, c.side, ws.OpText, data)
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close sends a best-effort close frame and closes the underlying network
// connection. It is safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteMessage(c.Conn, c.side, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.Conn.Close()
	})
	return err
}

// bufferedConn reads through bytes buffered during the handshake.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
