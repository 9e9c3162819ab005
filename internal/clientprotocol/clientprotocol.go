// Package clientprotocol implements the client side of the wire protocol:
// local optimistic table mutation plus reconciliation against server
// broadcasts. Grounded on original_source/client_protocol.py's
// handle_message/_apply_update/_apply_sprite_update dispatch and the
// send-then-reconcile pattern its sprite_move/position_correction handling
// implements.
package clientprotocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"vttcore/internal/envelope"
	"vttcore/internal/tablemodel"
)

// SendFunc delivers an outbound envelope over whatever transport.Conn the
// caller wired up (WebSocket, TCP, or an in-process fake for tests).
type SendFunc func(ctx context.Context, env *envelope.Envelope) error

// Handler is an application-registered callback invoked after the built-in
// handling for a message type runs, mirroring the original's `handlers` dict
// of caller-supplied callbacks layered on top of the built-ins.
type Handler func(ctx context.Context, env *envelope.Envelope)

// Protocol is the client-side counterpart to serverprotocol.Protocol: it
// keeps a locally cached, optimistically-updated copy of every table the
// client has loaded, and reconciles it against authoritative server
// messages as they arrive.
type Protocol struct {
	log      *logrus.Entry
	send     SendFunc
	clientID string

	mu       sync.Mutex
	tables   map[string]*tablemodel.Table
	handlers map[envelope.Type]Handler
}

// New constructs a client Protocol. send is called for every outbound
// message produced by the Actions facade.
func New(clientID string, send SendFunc, log *logrus.Entry) *Protocol {
	return &Protocol{
		log:      log,
		send:     send,
		clientID: clientID,
		tables:   make(map[string]*tablemodel.Table),
		handlers: make(map[envelope.Type]Handler),
	}
}

// OnMessage registers an application callback for t, run after this
// package's built-in handling for the same type.
func (p *Protocol) OnMessage(t envelope.Type, h Handler) { p.handlers[t] = h }

// Table returns the locally cached copy of tableID, if loaded.
func (p *Protocol) Table(tableID string) (*tablemodel.Table, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tables[tableID]
	return t, ok
}

func (p *Protocol) putTable(t *tablemodel.Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[t.TableID] = t
}

func (p *Protocol) dropTable(tableID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tables, tableID)
}

func getString(d envelope.Data, key string) string {
	v, _ := d[key].(string)
	return v
}

func getInt(d envelope.Data, key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func getFloat(d envelope.Data, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// HandleMessage is the inbound entry point: one envelope received from the
// server, routed to built-in table reconciliation and then to any
// app-registered handler for the same type.
func (p *Protocol) HandleMessage(ctx context.Context, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeNewTableResponse:
		p.applyNewTable(env)
	case envelope.TypeTableResponse, envelope.TypeTableData:
		p.applyTableSnapshot(env)
	case envelope.TypeTableDelete:
		p.dropTable(getString(env.Data, "table_id"))

	case envelope.TypeSpriteCreate, envelope.TypeSpriteData:
		p.applySpriteCreate(env)
	case envelope.TypeSpriteMove:
		p.applySpriteMove(env)
	case envelope.TypeSpriteScale:
		p.applySpriteScale(env)
	case envelope.TypeSpriteRotate:
		p.applySpriteRotate(env)
	case envelope.TypeSpriteRemove:
		p.applySpriteRemove(env)
	case envelope.TypeSpriteUpdate:
		p.applyTokenSync(env)

	case envelope.TypePositionCorrection:
		p.applyPositionCorrection(env)

	case envelope.TypePong:
		// Keepalive acknowledged; nothing to reconcile locally.
	case envelope.TypeError:
		p.log.WithField("error", env.Data["error"]).Warn(env.Data["message"])
	}

	if h, ok := p.handlers[env.Type]; ok {
		h(ctx, env)
	}
}

func (p *Protocol) applyNewTable(env *envelope.Envelope) {
	tableData, ok := env.Data["table_data"].(map[string]any)
	if !ok {
		return
	}
	name := getString(tableData, "name")
	width, height := getInt(tableData, "width"), getInt(tableData, "height")
	if width == 0 || height == 0 {
		return
	}
	table, err := tablemodel.New(name, width, height)
	if err != nil {
		p.log.WithError(err).Warn("local table construction failed")
		return
	}
	table.TableID = getString(tableData, "table_id")
	p.putTable(table)
}

func (p *Protocol) applyTableSnapshot(env *envelope.Envelope) {
	raw, ok := env.Data["table"]
	if !ok {
		return
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		p.log.WithError(err).Warn("malformed table snapshot")
		return
	}
	table, warnings, err := tablemodel.FromSnapshot(snap)
	if err != nil {
		p.log.WithError(err).Warn("failed to rebuild table from snapshot")
		return
	}
	for _, w := range warnings {
		p.log.Warn(w)
	}
	p.putTable(table)
}

// decodeSnapshot accepts either an already-typed Snapshot (an in-process
// call that never crossed the wire) or the generic map a JSON-decoded
// envelope produces, normalizing both into a *tablemodel.Snapshot.
func decodeSnapshot(raw any) (*tablemodel.Snapshot, error) {
	if snap, ok := raw.(*tablemodel.Snapshot); ok {
		return snap, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var snap tablemodel.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *Protocol) entityFromEnvelope(env *envelope.Envelope) (*tablemodel.Table, *tablemodel.Entity, bool) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.Table(tableID)
	if !ok {
		return nil, nil, false
	}
	entityID := getInt(env.Data, "entity_id")
	e, ok := table.Entity(entityID)
	return table, e, ok
}

func (p *Protocol) applySpriteCreate(env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.Table(tableID)
	if !ok {
		return
	}
	_, err := table.AddEntity(tablemodel.Descriptor{
		Name:        getString(env.Data, "name"),
		Position:    tablemodel.Point{X: getInt(env.Data, "x"), Y: getInt(env.Data, "y")},
		Layer:       tablemodel.Layer(getString(env.Data, "layer")),
		TexturePath: getString(env.Data, "texture_path"),
		CharacterID: getString(env.Data, "character_id"),
	})
	if err != nil {
		p.log.WithError(err).Debug("local sprite create skipped")
	}
}

// applySpriteMove reconciles an authoritative move broadcast from the
// server. Any locally predicted position for this entity is overwritten.
func (p *Protocol) applySpriteMove(env *envelope.Envelope) {
	table, e, ok := p.entityFromEnvelope(env)
	if !ok {
		return
	}
	newPos := tablemodel.Point{X: getInt(env.Data, "x"), Y: getInt(env.Data, "y")}
	if to, ok := env.Data["to"].(map[string]any); ok {
		newPos = tablemodel.Point{X: getInt(to, "x"), Y: getInt(to, "y")}
	} else if pos, ok := env.Data["position"].(map[string]any); ok {
		newPos = tablemodel.Point{X: getInt(pos, "x"), Y: getInt(pos, "y")}
	}
	layer := e.Layer
	if l, ok := env.Data["layer"].(string); ok && l != "" {
		layer = tablemodel.Layer(l)
	}
	_ = table.MoveEntity(e.EntityID, newPos, &layer)
}

func (p *Protocol) applySpriteScale(env *envelope.Envelope) {
	_, e, ok := p.entityFromEnvelope(env)
	if !ok {
		return
	}
	e.ScaleX = getFloat(env.Data, "scale_x")
	e.ScaleY = getFloat(env.Data, "scale_y")
}

func (p *Protocol) applySpriteRotate(env *envelope.Envelope) {
	_, e, ok := p.entityFromEnvelope(env)
	if !ok {
		return
	}
	e.Rotation = getFloat(env.Data, "rotation")
}

func (p *Protocol) applySpriteRemove(env *envelope.Envelope) {
	table, _, ok := p.entityFromEnvelope(env)
	if !ok {
		return
	}
	_ = table.RemoveEntity(getInt(env.Data, "entity_id"))
}

func (p *Protocol) applyTokenSync(env *envelope.Envelope) {
	table, ok := p.Table(getString(env.Data, "table_id"))
	if !ok {
		return
	}
	fields, _ := env.Data["fields"].(map[string]any)
	ids, _ := env.Data["entity_ids"].([]any)
	for _, raw := range ids {
		e, ok := table.Entity(toInt(raw))
		if !ok {
			continue
		}
		if v, ok := fields["hp"]; ok {
			hp := toInt(v)
			e.HP = &hp
		}
		if v, ok := fields["max_hp"]; ok {
			maxHP := toInt(v)
			e.MaxHP = &maxHP
		}
		if v, ok := fields["ac"]; ok {
			ac := toInt(v)
			e.AC = &ac
		}
	}
}

// applyPositionCorrection reverts a sprite's locally predicted position back
// to the server-declared authoritative one after a rejected move (spec's
// optimistic-move-then-reconcile flow).
func (p *Protocol) applyPositionCorrection(env *envelope.Envelope) {
	table, e, ok := p.entityFromEnvelope(env)
	if !ok {
		return
	}
	pos, ok := env.Data["authoritative_position"].(map[string]any)
	if !ok {
		return
	}
	authoritative := tablemodel.Point{X: getInt(pos, "x"), Y: getInt(pos, "y")}
	layer := e.Layer
	if l, ok := env.Data["authoritative_layer"].(string); ok && l != "" {
		layer = tablemodel.Layer(l)
	}
	_ = table.MoveEntity(e.EntityID, authoritative, &layer)
	p.log.WithFields(logrus.Fields{"entity_id": e.EntityID, "reason": env.Data["reason"]}).Info("move blocked, reverted to authoritative position")
}
