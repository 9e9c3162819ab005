// Package connmanager implements the top-level registry mapping session
// codes to their broker/protocol pair, and the accept loop that hands a
// freshly connected transport.Conn to the right session, creating one on
// first use. Grounded on
// original_source/server_host/service/websocket_protocol.py's session-table
// lookup-or-create on connect. The registry itself is a concurrent map used
// for session lookup only; all per-session mutable state lives and is
// synchronized independently inside each Session's own components.
package connmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vttcore/internal/action"
	"vttcore/internal/asset"
	"vttcore/internal/asyncio"
	"vttcore/internal/broker"
	"vttcore/internal/persistence"
	"vttcore/internal/serverprotocol"
	"vttcore/internal/transport"
)

// Session bundles one session code's broker, protocol handler, and the
// resources backing it.
type Session struct {
	Code     string
	Broker   *broker.Broker
	Protocol *serverprotocol.Protocol
	Actions  *action.Layer
	Assets   *asset.Cache
	Book     *asyncio.Book
}

// Options configures how a Manager builds a session's backing resources on
// first connection.
type Options struct {
	DataDir        string
	AssetWorkers   int
	DebounceMillis int
	Log            *logrus.Entry
}

// Manager is the ConnectionManager: a concurrent registry of sessions,
// created lazily the first time a client connects with a new session code.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Manager. opts.Log must be non-nil.
func New(opts Options) *Manager {
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

func (m *Manager) sessionDir(sessionCode, sub string) string {
	return m.opts.DataDir + "/" + sessionCode + "/" + sub
}

// sessionFor returns the session for code, creating its broker/protocol/
// backing stores the first time code is seen.
func (m *Manager) sessionFor(code string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[code]; ok {
		return s, nil
	}

	log := m.opts.Log.WithField("session_code", code)
	tableStore, err := persistence.NewFileStore(m.sessionDir(code, "tables"))
	if err != nil {
		return nil, err
	}
	characterStore, err := persistence.NewFileStore(m.sessionDir(code, "characters"))
	if err != nil {
		return nil, err
	}
	assets, err := asset.New(m.sessionDir(code, "assets"), log)
	if err != nil {
		return nil, err
	}

	debounce := time.Duration(m.opts.DebounceMillis) * time.Millisecond
	if debounce <= 0 {
		debounce = 150 * time.Millisecond
	}
	actions := action.New(code, tableStore, characterStore, log, action.WithDebounce(debounce))
	proto := serverprotocol.New(code, actions, tableStore, characterStore, assets, log)
	b := broker.New(code, log, proto.Dispatch)
	proto.Attach(b)

	workers := m.opts.AssetWorkers
	if workers <= 0 {
		workers = 3
	}
	book := asyncio.New(workers, log)

	s := &Session{Code: code, Broker: b, Protocol: proto, Actions: actions, Assets: assets, Book: book}
	m.sessions[code] = s
	log.Info("session created")
	return s, nil
}

// Accept routes a newly connected client into its session, creating the
// session on first use, and registers the connection with the session's
// broker. It returns once the client is registered; the broker reads from
// the connection on its own goroutine until the connection closes.
func (m *Manager) Accept(ctx context.Context, sessionCode, clientID, userID, username string, conn transport.Conn) error {
	s, err := m.sessionFor(sessionCode)
	if err != nil {
		conn.Close()
		return err
	}
	if s.Protocol.IsBanned(userID) {
		conn.Close()
		return fmt.Errorf("connmanager: user %q is banned from session %q", userID, sessionCode)
	}
	s.Broker.AddClient(ctx, clientID, userID, username, conn)
	return nil
}

// Session returns the session registered under code, if one exists.
func (m *Manager) Session(code string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	return s, ok
}

// SessionCodes returns every currently registered session code.
func (m *Manager) SessionCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]string, 0, len(m.sessions))
	for c := range m.sessions {
		codes = append(codes, c)
	}
	return codes
}

// CloseSession shuts down and forgets the session registered under code, if
// any. The broker's keepalive/reaper loops stop first, then pending
// debounced table saves are flushed, and pending asset transfers are allowed
// to drain before the worker pool stops.
func (m *Manager) CloseSession(code string) {
	m.mu.Lock()
	s, ok := m.sessions[code]
	delete(m.sessions, code)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Broker.Close()
	s.Actions.Close(context.Background())
	s.Book.Close()
}

// Shutdown closes every registered session.
func (m *Manager) Shutdown() {
	for _, code := range m.SessionCodes() {
		m.CloseSession(code)
	}
}
