// Package broker implements the session-scoped client registry and
// fan-out broadcast used by one game session. Grounded on
// the clients map and broadcast loop in
// original_source/core_table/server_protocol.py (`self.clients`,
// `_handle_update`'s broadcast-and-prune-on-failure loop) and the
// connect/disconnect/cleanup_stale_connections lifecycle in
// original_source/server_host/service/websocket_protocol.py, restructured
// as a mutex-guarded registry the way orbas1-Synnergy's Node type guards
// its peer table in core/network.go.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"vttcore/internal/envelope"
	"vttcore/internal/transport"
)

const (
	// KeepaliveInterval is how often the broker pings every connected client.
	KeepaliveInterval = 20 * time.Second
	// ReapInterval is how often the broker scans for stale connections.
	ReapInterval = 30 * time.Second
	// StaleTimeout is how long a client may go without activity before
	// being reaped.
	StaleTimeout = 60 * time.Second

	defaultRateLimit rate.Limit = 20 // envelopes/sec per client
	defaultBurst                = 40
)

// ClientInfo is the per-client bookkeeping the broker maintains alongside a
// connection.
type ClientInfo struct {
	ClientID    string
	UserID      string
	Username    string
	ConnectedAt time.Time
	LastActive  time.Time
	TableOwner  bool
}

type client struct {
	conn    transport.Conn
	info    *ClientInfo
	limiter *rate.Limiter
	mu      sync.Mutex // guards info.LastActive
}

// Handler is invoked for every envelope a client sends, after rate-limit
// and duplicate checks pass. It runs synchronously on the broker's receive
// goroutine for that client.
type Handler func(ctx context.Context, clientID string, env *envelope.Envelope)

// Broker is the per-session client registry, broadcast hub, and liveness
// monitor.
type Broker struct {
	sessionCode string
	log         *logrus.Entry
	handler     Handler

	mu      sync.RWMutex
	clients map[string]*client

	seenMu sync.Mutex
	seen   map[envelope.DuplicateKey]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Broker for one session. handler is called for every
// inbound, non-duplicate envelope.
func New(sessionCode string, log *logrus.Entry, handler Handler) *Broker {
	b := &Broker{
		sessionCode: sessionCode,
		log:         log,
		handler:     handler,
		clients:     make(map[string]*client),
		seen:        make(map[envelope.DuplicateKey]struct{}),
		stop:        make(chan struct{}),
	}
	b.wg.Add(2)
	go b.keepaliveLoop()
	go b.reapLoop()
	return b
}

// AddClient registers a newly connected transport and starts reading from
// it. It sends a welcome envelope carrying the assigned client_id before
// returning.
func (b *Broker) AddClient(ctx context.Context, clientID, userID, username string, conn transport.Conn) {
	info := &ClientInfo{ClientID: clientID, UserID: userID, Username: username, ConnectedAt: time.Now(), LastActive: time.Now()}
	c := &client{conn: conn, info: info, limiter: rate.NewLimiter(defaultRateLimit, defaultBurst)}

	b.mu.Lock()
	b.clients[clientID] = c
	b.mu.Unlock()

	welcome := envelope.New(envelope.TypeWelcome, map[string]any{"client_id": clientID, "session_code": b.sessionCode}, clientID)
	if data, err := welcome.Encode(); err == nil {
		_ = conn.Send(ctx, data)
	}

	b.log.WithFields(logrus.Fields{"client_id": clientID, "user_id": userID, "session_code": b.sessionCode}).Info("client connected")

	b.wg.Add(1)
	go b.readLoop(clientID, c)
}

func (b *Broker) readLoop(clientID string, c *client) {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			b.RemoveClient(clientID)
			return
		}
		c.mu.Lock()
		c.info.LastActive = time.Now()
		c.mu.Unlock()

		if !c.limiter.Allow() {
			b.sendError(ctx, clientID, "rate_limited", "too many messages")
			continue
		}

		env, err := envelope.Decode(data)
		if err != nil {
			b.sendError(ctx, clientID, "malformed_message", err.Error())
			continue
		}

		if env.Type == envelope.TypeBatch {
			batch, decodeErrs, err := envelope.DecodeBatch(data)
			if err != nil {
				b.sendError(ctx, clientID, "malformed_message", err.Error())
				continue
			}
			for _, derr := range decodeErrs {
				b.sendError(ctx, clientID, "malformed_message", derr.Error())
			}
			for _, inner := range batch.Messages {
				if inner == nil {
					continue
				}
				b.dispatch(ctx, clientID, inner)
			}
			continue
		}

		b.dispatch(ctx, clientID, env)
	}
}

// dispatch applies duplicate suppression and invokes the handler for one
// decoded envelope, whether it arrived standalone or as one message inside a
// batch envelope.
func (b *Broker) dispatch(ctx context.Context, clientID string, env *envelope.Envelope) {
	if env.SequenceID != nil {
		key := envelope.DuplicateKey{ClientID: clientID, SequenceID: *env.SequenceID}
		b.seenMu.Lock()
		_, dup := b.seen[key]
		b.seen[key] = struct{}{}
		b.seenMu.Unlock()
		if dup {
			return
		}
	}

	if b.handler != nil {
		b.handler(ctx, clientID, env)
	}
}

func (b *Broker) sendError(ctx context.Context, clientID, kind, message string) {
	env := envelope.New(envelope.TypeError, map[string]any{"error": kind, "message": message}, clientID)
	data, err := env.Encode()
	if err != nil {
		return
	}
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	_ = c.conn.Send(ctx, data)
}

// SendTo delivers one envelope to a single client, if connected.
func (b *Broker) SendTo(ctx context.Context, clientID string, env *envelope.Envelope) error {
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, data)
}

// Broadcast fans an envelope out to every connected client in this session
// except excludeClientID. Send failures
// remove the offending client rather than aborting the broadcast, mirroring
// the original's broadcast-and-prune loop.
func (b *Broker) Broadcast(ctx context.Context, env *envelope.Envelope, excludeClientID string) {
	data, err := env.Encode()
	if err != nil {
		b.log.WithError(err).Warn("broadcast encode failed")
		return
	}

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	ids := make([]string, 0, len(b.clients))
	for id, c := range b.clients {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for i, c := range targets {
		if err := c.conn.Send(ctx, data); err != nil {
			b.log.WithError(err).WithField("client_id", ids[i]).Warn("broadcast send failed, removing client")
			b.RemoveClient(ids[i])
		}
	}
}

// RemoveClient disconnects and forgets clientID. Idempotent: calling it
// twice for the same id is a no-op the second time.
func (b *Broker) RemoveClient(clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	b.log.WithField("client_id", clientID).Info("client disconnected")
}

// ClientIDs returns the currently connected client ids.
func (b *Broker) ClientIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	return ids
}

// SetTableOwner marks clientID as holding (or no longer holding) the table
// owner role used by kick/ban authorization checks.
func (b *Broker) SetTableOwner(clientID string, owner bool) {
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.info.TableOwner = owner
	c.mu.Unlock()
}

// Info returns the bookkeeping record for a connected client.
func (b *Broker) Info(clientID string) (*ClientInfo, bool) {
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info := *c.info
	return &info, true
}

func (b *Broker) keepaliveLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Broker) pingAll() {
	ctx := context.Background()
	ping := envelope.New(envelope.TypePing, map[string]any{}, "")
	data, err := ping.Encode()
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, c := range b.clients {
		if wsConn, ok := c.conn.(interface{ SendPing() error }); ok {
			if err := wsConn.SendPing(); err == nil {
				continue
			}
		}
		if err := c.conn.Send(ctx, data); err != nil {
			b.log.WithError(err).WithField("client_id", id).Debug("keepalive send failed")
		}
	}
}

func (b *Broker) reapLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reapStale()
		}
	}
}

func (b *Broker) reapStale() {
	now := time.Now()
	var stale []string
	b.mu.RLock()
	for id, c := range b.clients {
		c.mu.Lock()
		last := c.info.LastActive
		c.mu.Unlock()
		if now.Sub(last) > StaleTimeout {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range stale {
		b.log.WithField("client_id", id).Info("reaping stale connection")
		b.RemoveClient(id)
	}
}

// Close stops the keepalive and reaper loops and disconnects every client.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	for _, id := range b.ClientIDs() {
		b.RemoveClient(id)
	}
	b.wg.Wait()
}
