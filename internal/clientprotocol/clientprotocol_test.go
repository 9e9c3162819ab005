package clientprotocol

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"vttcore/internal/envelope"
	"vttcore/internal/tablemodel"
)

// throughWire round-trips env through Encode/Decode so tests exercise the
// same map[string]any shape a real network hop would produce.
func throughWire(t *testing.T, env *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return decoded
}

func newProtocol(t *testing.T) *Protocol {
	t.Helper()
	return New("client-1", func(ctx context.Context, env *envelope.Envelope) error { return nil }, logrus.NewEntry(logrus.New()))
}

func TestApplyNewTableThenSnapshotRoundTrip(t *testing.T) {
	p := newProtocol(t)
	ctx := context.Background()

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeNewTableResponse, envelope.Data{
		"table_data": envelope.Data{"table_id": "t1", "name": "arena", "width": 20, "height": 20},
	}, "")))

	table, ok := p.Table("t1")
	if !ok {
		t.Fatal("expected table t1 to be cached locally")
	}
	if table.Width != 20 || table.Height != 20 {
		t.Fatalf("unexpected dimensions: %dx%d", table.Width, table.Height)
	}

	snap := table.ToSnapshot(0)
	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeTableData, envelope.Data{"table": snap}, "")))
	reloaded, ok := p.Table("t1")
	if !ok {
		t.Fatal("expected table still cached after snapshot reload")
	}
	if reloaded.TableID != "t1" {
		t.Fatalf("expected table id preserved, got %q", reloaded.TableID)
	}
}

func TestApplySpriteCreateAndMove(t *testing.T) {
	p := newProtocol(t)
	ctx := context.Background()

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeNewTableResponse, envelope.Data{
		"table_data": envelope.Data{"table_id": "t1", "name": "arena", "width": 20, "height": 20},
	}, "")))
	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeSpriteCreate, envelope.Data{
		"table_id": "t1", "entity_id": 1, "name": "goblin", "x": 2, "y": 2,
	}, "")))

	table, _ := p.Table("t1")
	if len(table.Entities()) != 1 {
		t.Fatalf("expected 1 entity after sprite_create, got %d", len(table.Entities()))
	}

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeSpriteMove, envelope.Data{
		"table_id": "t1", "entity_id": 1, "to": map[string]any{"x": 5, "y": 5},
	}, "")))
	e, ok := table.Entity(1)
	if !ok || e.Position != (tablemodel.Point{X: 5, Y: 5}) {
		t.Fatalf("expected entity moved to (5,5), got %+v ok=%v", e, ok)
	}
}

func TestApplyPositionCorrectionRevertsLocalMove(t *testing.T) {
	p := newProtocol(t)
	ctx := context.Background()
	actions := NewActions(p)

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeNewTableResponse, envelope.Data{
		"table_data": envelope.Data{"table_id": "t1", "name": "arena", "width": 20, "height": 20},
	}, "")))
	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeSpriteCreate, envelope.Data{
		"table_id": "t1", "entity_id": 1, "name": "goblin", "x": 2, "y": 2,
	}, "")))

	// Optimistic local move the server is about to reject.
	if err := actions.MoveSprite(ctx, "t1", 1, tablemodel.Point{X: 9, Y: 9}, "", false); err != nil {
		t.Fatalf("local move: %v", err)
	}
	table, _ := p.Table("t1")
	if e, _ := table.Entity(1); e.Position != (tablemodel.Point{X: 9, Y: 9}) {
		t.Fatalf("expected optimistic move applied, got %+v", e.Position)
	}

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypePositionCorrection, envelope.Data{
		"table_id": "t1", "entity_id": 1,
		"authoritative_position": map[string]any{"x": 2, "y": 2},
		"reason":                 "target_occupied",
	}, "")))

	e, _ := table.Entity(1)
	if e.Position != (tablemodel.Point{X: 2, Y: 2}) {
		t.Fatalf("expected position reverted to (2,2), got %+v", e.Position)
	}
}

func TestCustomHandlerInvokedAfterBuiltin(t *testing.T) {
	p := newProtocol(t)
	ctx := context.Background()
	var sawTableID string
	p.OnMessage(envelope.TypeNewTableResponse, func(ctx context.Context, env *envelope.Envelope) {
		tableData, _ := env.Data["table_data"].(map[string]any)
		sawTableID, _ = tableData["table_id"].(string)
	})

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeNewTableResponse, envelope.Data{
		"table_data": envelope.Data{"table_id": "t9", "name": "x", "width": 5, "height": 5},
	}, "")))

	if sawTableID != "t9" {
		t.Fatalf("expected custom handler to observe table_id, got %q", sawTableID)
	}
	if _, ok := p.Table("t9"); !ok {
		t.Fatal("expected built-in handling to still run alongside the custom handler")
	}
}

func TestTokenSyncUpdatesLocalEntityHP(t *testing.T) {
	p := newProtocol(t)
	ctx := context.Background()

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeNewTableResponse, envelope.Data{
		"table_data": envelope.Data{"table_id": "t1", "name": "arena", "width": 10, "height": 10},
	}, "")))
	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeSpriteCreate, envelope.Data{
		"table_id": "t1", "entity_id": 1, "name": "hero", "x": 1, "y": 1,
	}, "")))

	p.HandleMessage(ctx, throughWire(t, envelope.New(envelope.TypeSpriteUpdate, envelope.Data{
		"table_id": "t1", "entity_ids": []any{1}, "fields": map[string]any{"hp": 7},
	}, "")))

	table, _ := p.Table("t1")
	e, _ := table.Entity(1)
	if e.HP == nil || *e.HP != 7 {
		t.Fatalf("expected hp synced to 7, got %v", e.HP)
	}
}
