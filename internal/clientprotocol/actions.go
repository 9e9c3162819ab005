package clientprotocol

import (
	"context"

	"vttcore/internal/envelope"
	"vttcore/internal/tablemodel"
)

// Actions is the outbound-facing facade the UI/game-loop code calls instead
// of building envelopes by hand, mirroring the original's higher-level
// client action methods layered over its raw send() call.
type Actions struct {
	p *Protocol
}

// NewActions wraps p in the outbound action facade.
func NewActions(p *Protocol) *Actions { return &Actions{p: p} }

func (a *Actions) send(ctx context.Context, t envelope.Type, data envelope.Data) error {
	return a.p.send(ctx, envelope.New(t, data, a.p.clientID))
}

// spriteID resolves entityID to the sprite_id the wire protocol addresses
// entities by, from the client's local copy of tableID.
func (a *Actions) spriteID(tableID string, entityID int) string {
	table, ok := a.p.Table(tableID)
	if !ok {
		return ""
	}
	e, ok := table.Entity(entityID)
	if !ok {
		return ""
	}
	return e.SpriteID
}

// RequestNewTable asks the server to create a table.
func (a *Actions) RequestNewTable(ctx context.Context, name string, width, height int) error {
	return a.send(ctx, envelope.TypeNewTableRequest, envelope.Data{"table_name": name, "width": width, "height": height})
}

// RequestTable asks the server for the current state of tableID.
func (a *Actions) RequestTable(ctx context.Context, tableID string) error {
	return a.send(ctx, envelope.TypeTableRequest, envelope.Data{"table_id": tableID})
}

// MoveSprite predicts the move against the local table copy immediately,
// then — unless toServer is false — sends the request on to the server for
// authoritative confirmation. toServer=false is used for pure local preview
// (e.g. drag-in-progress rendering) that the caller will follow up with a
// single confirmed move once the drag ends, mirroring the original's
// distinction between a local-only preview update and one that is
// transmitted.
func (a *Actions) MoveSprite(ctx context.Context, tableID string, entityID int, pos tablemodel.Point, layer tablemodel.Layer, toServer bool) error {
	if table, ok := a.p.Table(tableID); ok {
		var layerPtr *tablemodel.Layer
		if layer != "" {
			layerPtr = &layer
		}
		_ = table.MoveEntity(entityID, pos, layerPtr)
	}
	if !toServer {
		return nil
	}
	data := envelope.Data{
		"table_id": tableID, "sprite_id": a.spriteID(tableID, entityID),
		"to": envelope.Data{"x": pos.X, "y": pos.Y},
	}
	if layer != "" {
		data["layer"] = string(layer)
	}
	return a.send(ctx, envelope.TypeSpriteMove, data)
}

// CreateSprite asks the server to place a new sprite; the server's
// sprite_data/sprite_create reply is what actually materializes it locally.
func (a *Actions) CreateSprite(ctx context.Context, tableID, name string, pos tablemodel.Point, layer tablemodel.Layer, characterID string) error {
	return a.send(ctx, envelope.TypeSpriteCreate, envelope.Data{
		"table_id": tableID, "name": name, "x": pos.X, "y": pos.Y,
		"layer": string(layer), "character_id": characterID,
	})
}

// RemoveSprite asks the server to delete entityID from tableID.
func (a *Actions) RemoveSprite(ctx context.Context, tableID string, entityID int) error {
	return a.send(ctx, envelope.TypeSpriteRemove, envelope.Data{
		"table_id": tableID, "sprite_id": a.spriteID(tableID, entityID),
	})
}

// ScaleSprite asks the server to resize entityID.
func (a *Actions) ScaleSprite(ctx context.Context, tableID string, entityID int, scaleX, scaleY float64) error {
	return a.send(ctx, envelope.TypeSpriteScale, envelope.Data{
		"table_id": tableID, "sprite_id": a.spriteID(tableID, entityID), "scale_x": scaleX, "scale_y": scaleY,
	})
}

// UpdateCharacter requests an optimistic-versioned character update.
func (a *Actions) UpdateCharacter(ctx context.Context, characterID string, updates map[string]any, expectedVersion *int) error {
	data := envelope.Data{"character_id": characterID, "updates": updates}
	if expectedVersion != nil {
		data["expected_version"] = *expectedVersion
	}
	return a.send(ctx, envelope.TypeCharacterUpdate, data)
}
