package serverprotocol

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"vttcore/internal/action"
	"vttcore/internal/asset"
	"vttcore/internal/broker"
	"vttcore/internal/envelope"
	"vttcore/internal/persistence"
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

func (f *fakeConn) ofType(t envelope.Type) *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.outbox) - 1; i >= 0; i-- {
		if f.outbox[i].Type == t {
			return f.outbox[i]
		}
	}
	return nil
}

func newHarness(t *testing.T) (*Protocol, *broker.Broker, *fakeConn, string) {
	t.Helper()
	store, err := persistence.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("persistence.NewFileStore: %v", err)
	}
	log := logrus.NewEntry(logrus.New())
	actions := action.New("sess-1", store, store, log, action.WithDebounce(5*time.Millisecond))
	assets, err := asset.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("asset.New: %v", err)
	}
	proto := New("sess-1", actions, store, store, assets, log)
	b := broker.New("sess-1", log, proto.Dispatch)
	proto.Attach(b)
	t.Cleanup(b.Close)

	conn := newFakeConn()
	b.AddClient(context.Background(), "c1", "u1", "alice", conn)
	time.Sleep(5 * time.Millisecond) // drain welcome
	return proto, b, conn, "c1"
}

func send(conn *fakeConn, env *envelope.Envelope) {
	data, _ := env.Encode()
	conn.inbox <- data
}

func waitFor(t *testing.T, conn *fakeConn, typ envelope.Type) *envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e := conn.ofType(typ); e != nil {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for envelope type %v", typ)
	return nil
}

func TestPingReceivesPong(t *testing.T) {
	_, _, conn, clientID := newHarness(t)
	send(conn, envelope.New(envelope.TypePing, envelope.Data{}, clientID))
	waitFor(t, conn, envelope.TypePong)
}

func TestNewTableThenSpriteCreateAndMove(t *testing.T) {
	_, b, conn, clientID := newHarness(t)

	send(conn, envelope.New(envelope.TypeNewTableRequest, envelope.Data{"table_name": "battle map", "width": 10, "height": 10}, clientID))
	newTable := waitFor(t, conn, envelope.TypeNewTableResponse)
	tableData, _ := newTable.Data["table_data"].(map[string]any)
	tableID, _ := tableData["table_id"].(string)
	if tableID == "" {
		t.Fatal("expected table_data.table_id in new_table_response")
	}
	if _, ok := tableData["layers"]; !ok {
		t.Fatal("expected table_data.layers in new_table_response")
	}

	send(conn, envelope.New(envelope.TypeSpriteCreate, envelope.Data{"table_id": tableID, "name": "goblin", "x": 1, "y": 1}, clientID))
	created := waitFor(t, conn, envelope.TypeSpriteData)
	spriteID, _ := created.Data["sprite_id"].(string)
	if spriteID == "" {
		t.Fatalf("expected non-empty sprite_id, got %v", created.Data["sprite_id"])
	}

	// The move broadcast excludes the sender, so a second client observes it.
	observer := newFakeConn()
	b.AddClient(context.Background(), "c2", "u2", "bob", observer)
	time.Sleep(5 * time.Millisecond)

	send(conn, envelope.New(envelope.TypeSpriteMove, envelope.Data{
		"table_id": tableID, "sprite_id": spriteID,
		"from": map[string]any{"x": 1, "y": 1}, "to": map[string]any{"x": 2, "y": 2},
	}, clientID))
	moved := waitFor(t, observer, envelope.TypeSpriteMove)
	if moved.Data["sprite_id"] != spriteID {
		t.Fatalf("expected broadcast sprite_id %q, got %v", spriteID, moved.Data["sprite_id"])
	}
	to, _ := moved.Data["to"].(map[string]any)
	if to["x"] != float64(2) || to["y"] != float64(2) {
		t.Fatalf("expected broadcast to:{x:2,y:2}, got %+v", moved.Data["to"])
	}
	if e := conn.ofType(envelope.TypePositionCorrection); e != nil {
		t.Fatalf("unexpected position_correction for an authorized move: %+v", e.Data)
	}
}

func TestMoveEntityRejectionSendsPositionCorrection(t *testing.T) {
	_, _, conn, clientID := newHarness(t)

	send(conn, envelope.New(envelope.TypeNewTableRequest, envelope.Data{"table_name": "t", "width": 5, "height": 5}, clientID))
	newTable := waitFor(t, conn, envelope.TypeNewTableResponse)
	tableData, _ := newTable.Data["table_data"].(map[string]any)
	tableID := tableData["table_id"].(string)

	send(conn, envelope.New(envelope.TypeSpriteCreate, envelope.Data{"table_id": tableID, "name": "s", "x": 0, "y": 0}, clientID))
	created := waitFor(t, conn, envelope.TypeSpriteData)
	spriteID := created.Data["sprite_id"].(string)

	// Move out of bounds: rejected, should carry authoritative_position.
	send(conn, envelope.New(envelope.TypeSpriteMove, envelope.Data{
		"table_id": tableID, "sprite_id": spriteID, "to": map[string]any{"x": 99, "y": 99},
	}, clientID))
	correction := waitFor(t, conn, envelope.TypePositionCorrection)
	if _, ok := correction.Data["authoritative_position"]; !ok {
		t.Fatalf("expected authoritative_position in position_correction, got %+v", correction.Data)
	}
	if correction.Data["sprite_id"] != spriteID {
		t.Fatalf("expected sprite_id in position_correction, got %+v", correction.Data)
	}
}

func TestCharacterUpdateSyncsBoundTokenHP(t *testing.T) {
	proto, _, conn, clientID := newHarness(t)

	ctx := context.Background()
	char := &persistence.Character{CharacterID: "ch-1", OwnerUserID: "u1", Name: "Rogue", HP: 10, MaxHP: 10}
	if err := proto.characters.SaveCharacter(ctx, char); err != nil {
		t.Fatalf("seed character: %v", err)
	}

	send(conn, envelope.New(envelope.TypeNewTableRequest, envelope.Data{"table_name": "t", "width": 5, "height": 5}, clientID))
	newTable := waitFor(t, conn, envelope.TypeNewTableResponse)
	tableData, _ := newTable.Data["table_data"].(map[string]any)
	tableID := tableData["table_id"].(string)

	send(conn, envelope.New(envelope.TypeSpriteCreate, envelope.Data{"table_id": tableID, "name": "s", "x": 0, "y": 0, "character_id": "ch-1"}, clientID))
	waitFor(t, conn, envelope.TypeSpriteData)

	send(conn, envelope.New(envelope.TypeCharacterUpdate, envelope.Data{
		"character_id": "ch-1",
		"updates":      map[string]any{"hp": 4},
	}, clientID))
	waitFor(t, conn, envelope.TypeCharacterUpdateResponse)
	sync := waitFor(t, conn, envelope.TypeSpriteUpdate)
	fields, _ := sync.Data["fields"].(map[string]any)
	if fields["hp"] != float64(4) {
		t.Fatalf("expected synced hp=4, got %+v", fields)
	}
}

func TestAssetUploadDownloadRoundTrip(t *testing.T) {
	_, _, conn, clientID := newHarness(t)

	content := base64.StdEncoding.EncodeToString([]byte("hello asset"))
	send(conn, envelope.New(envelope.TypeAssetUploadRequest, envelope.Data{"filename": "token.png", "content_base64": content}, clientID))
	uploaded := waitFor(t, conn, envelope.TypeAssetUploadResponse)
	assetID, _ := uploaded.Data["asset_id"].(string)
	if assetID == "" {
		t.Fatal("expected asset_id in upload response")
	}

	send(conn, envelope.New(envelope.TypeAssetDownloadRequest, envelope.Data{"asset_id": assetID}, clientID))
	downloaded := waitFor(t, conn, envelope.TypeAssetDownloadResponse)
	got, _ := downloaded.Data["content_base64"].(string)
	if got != content {
		t.Fatalf("expected round-tripped content, got %q", got)
	}
}

func TestPlayerKickRequiresTableOwner(t *testing.T) {
	_, b, conn, clientID := newHarness(t)
	other := newFakeConn()
	b.AddClient(context.Background(), "c2", "u2", "bob", other)
	time.Sleep(5 * time.Millisecond)

	send(conn, envelope.New(envelope.TypePlayerKickRequest, envelope.Data{"client_id": "c2"}, clientID))
	time.Sleep(10 * time.Millisecond)
	if err := conn.ofType(envelope.TypeError); err == nil {
		t.Fatal("expected unauthorized error for non-owner kick")
	}

	b.SetTableOwner(clientID, true)
	send(conn, envelope.New(envelope.TypePlayerKickRequest, envelope.Data{"client_id": "c2"}, clientID))
	waitFor(t, conn, envelope.TypePlayerKickResponse)
	if len(b.ClientIDs()) != 1 {
		t.Fatalf("expected c2 kicked, remaining clients: %v", b.ClientIDs())
	}
}
