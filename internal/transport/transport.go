// Package transport abstracts the duplex byte-stream a session's clients
// connect over, so the broker and protocol layers never depend on a
// specific wire carrier. Grounded on the distinction between
// original_source/server_host/api/websocket_router.py (the WebSocket path)
// and the plain TCP listener implied by core_table/server.py's
// asyncio.start_server usage, generalized into one small interface the way
// orbas1-Synnergy's node layer abstracts its P2P transport behind an
// interface rather than hard-coding libp2p everywhere it dials a peer.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Receive once the connection has been
// closed, either locally or by the remote end.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one client's duplex message channel. Implementations deliver
// whole frames — the envelope layer never sees partial messages.
type Conn interface {
	// Send writes one frame. Safe for concurrent use with Receive, but
	// concurrent Send calls from multiple goroutines are not guaranteed to
	// be ordered relative to each other; callers needing ordering must
	// serialize their own writes.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until one frame arrives, ctx is done, or the
	// connection closes.
	Receive(ctx context.Context) ([]byte, error)
	// Close closes the connection. Safe to call more than once.
	Close() error
	// RemoteAddr identifies the peer for logging, best-effort.
	RemoteAddr() string
}
