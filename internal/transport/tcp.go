package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// TCPConn implements Conn over a plain newline-delimited TCP stream, for the
// legacy clients original_source/core_table/server.py's
// asyncio.start_server loop served before the WebSocket migration. This
// legacy path is retained alongside WebSocket. Each frame is one line;
// envelopes therefore must not contain raw newlines, which JSON already
// guarantees.
type TCPConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewTCPConn wraps an accepted net.Conn.
func NewTCPConn(conn net.Conn) *TCPConn {
	return &TCPConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *TCPConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *TCPConn) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, ErrClosed
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (c *TCPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
