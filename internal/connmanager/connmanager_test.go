package connmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vttcore/internal/envelope"
)

type fakeConn struct {
	mu     sync.Mutex
	outbox []*envelope.Envelope
	inbox  chan []byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{inbox: make(chan []byte, 16)} }

func (f *fakeConn) Send(_ context.Context, data []byte) error {
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.outbox = append(f.outbox, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbox) == 0 {
		return nil
	}
	return f.outbox[len(f.outbox)-1]
}

func send(conn *fakeConn, env *envelope.Envelope) {
	data, _ := env.Encode()
	conn.inbox <- data
}

func waitFor(t *testing.T, conn *fakeConn, typ envelope.Type) *envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e := conn.last(); e != nil && e.Type == typ {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for envelope type %v", typ)
	return nil
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Options{DataDir: t.TempDir(), AssetWorkers: 1, DebounceMillis: 5, Log: logrus.NewEntry(logrus.New())})
	t.Cleanup(m.Shutdown)
	return m
}

func TestAcceptCreatesSessionOnFirstConnection(t *testing.T) {
	m := newManager(t)
	conn := newFakeConn()

	go m.Accept(context.Background(), "sess-A", "c1", "u1", "alice", conn)
	time.Sleep(10 * time.Millisecond)

	if _, ok := m.Session("sess-A"); !ok {
		t.Fatal("expected session sess-A to be created on first Accept")
	}

	send(conn, envelope.New(envelope.TypePing, envelope.Data{}, "c1"))
	waitFor(t, conn, envelope.TypePong)
}

func TestSecondConnectionReusesExistingSession(t *testing.T) {
	m := newManager(t)
	conn1, conn2 := newFakeConn(), newFakeConn()

	go m.Accept(context.Background(), "sess-B", "c1", "u1", "alice", conn1)
	time.Sleep(10 * time.Millisecond)
	go m.Accept(context.Background(), "sess-B", "c2", "u2", "bob", conn2)
	time.Sleep(10 * time.Millisecond)

	s, ok := m.Session("sess-B")
	if !ok {
		t.Fatal("expected session sess-B to exist")
	}
	if len(s.Broker.ClientIDs()) != 2 {
		t.Fatalf("expected 2 clients sharing one session, got %v", s.Broker.ClientIDs())
	}
}

func TestCloseSessionRemovesIt(t *testing.T) {
	m := newManager(t)
	conn := newFakeConn()
	go m.Accept(context.Background(), "sess-C", "c1", "u1", "alice", conn)
	time.Sleep(10 * time.Millisecond)

	m.CloseSession("sess-C")
	if _, ok := m.Session("sess-C"); ok {
		t.Fatal("expected session sess-C to be removed after CloseSession")
	}
}
