// Package serverprotocol wires the envelope wire format to the table model,
// action layer, asset cache, and session broker into one session's message
// handler table. Grounded on the message_handlers dispatch dict in
// original_source/server_host/service/websocket_protocol.py and the
// handle_client/_handle_update routing in
// original_source/core_table/server_protocol.py.
package serverprotocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vttcore/internal/action"
	"vttcore/internal/asset"
	"vttcore/internal/broker"
	"vttcore/internal/envelope"
	"vttcore/internal/persistence"
	"vttcore/internal/tablemodel"
)

// Protocol is the per-session server-side message handler. One Protocol
// backs one Broker for the lifetime of a session.
type Protocol struct {
	sessionCode string
	log         *logrus.Entry
	actions     *action.Layer
	store       persistence.TableStore
	characters  persistence.CharacterStore
	assets      *asset.Cache
	broker      *broker.Broker
	now         func() time.Time

	tablesMu sync.Mutex
	tables   map[string]*tablemodel.Table

	bannedMu  sync.Mutex
	bannedIDs map[string]bool
}

// New constructs a Protocol bound to one session's collaborators. Broker is
// assigned after construction via Attach, since the broker's handler needs a
// reference to the protocol it dispatches into (a wiring-order cycle the
// caller breaks by constructing the broker with Protocol.Dispatch as its
// handler after New returns).
func New(sessionCode string, actions *action.Layer, store persistence.TableStore, characters persistence.CharacterStore, assets *asset.Cache, log *logrus.Entry) *Protocol {
	return &Protocol{
		sessionCode: sessionCode,
		log:         log,
		actions:     actions,
		store:       store,
		characters:  characters,
		assets:      assets,
		now:         time.Now,
		tables:      make(map[string]*tablemodel.Table),
		bannedIDs:   make(map[string]bool),
	}
}

// Attach binds the session broker this protocol sends replies and broadcasts
// through. Must be called before Dispatch is invoked.
func (p *Protocol) Attach(b *broker.Broker) { p.broker = b }

func (p *Protocol) table(tableID string) (*tablemodel.Table, bool) {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()
	t, ok := p.tables[tableID]
	return t, ok
}

func (p *Protocol) putTable(t *tablemodel.Table) {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()
	p.tables[t.TableID] = t
}

func (p *Protocol) dropTable(tableID string) {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()
	delete(p.tables, tableID)
}

func (p *Protocol) allTables() []*tablemodel.Table {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()
	out := make([]*tablemodel.Table, 0, len(p.tables))
	for _, t := range p.tables {
		out = append(out, t)
	}
	return out
}

// Dispatch is the broker.Handler entry point: one decoded, non-duplicate
// envelope in, zero or more replies/broadcasts out.
func (p *Protocol) Dispatch(ctx context.Context, clientID string, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		p.reply(ctx, clientID, envelope.TypePong, envelope.Data{})

	case envelope.TypeNewTableRequest:
		p.handleNewTable(ctx, clientID, env)
	case envelope.TypeTableRequest:
		p.handleTableRequest(ctx, clientID, env)
	case envelope.TypeTableListRequest:
		p.handleTableList(ctx, clientID, env)
	case envelope.TypeTableDelete:
		p.handleTableDelete(ctx, clientID, env)

	case envelope.TypeSpriteCreate:
		p.handleSpriteCreate(ctx, clientID, env)
	case envelope.TypeSpriteMove:
		p.handleSpriteMove(ctx, clientID, env)
	case envelope.TypeSpriteScale:
		p.handleSpriteScale(ctx, clientID, env)
	case envelope.TypeSpriteRotate:
		p.handleSpriteRotate(ctx, clientID, env)
	case envelope.TypeSpriteRemove:
		p.handleSpriteRemove(ctx, clientID, env)

	case envelope.TypeCharacterSaveRequest:
		p.handleCharacterSave(ctx, clientID, env)
	case envelope.TypeCharacterLoadRequest:
		p.handleCharacterLoad(ctx, clientID, env)
	case envelope.TypeCharacterListRequest:
		p.handleCharacterList(ctx, clientID, env)
	case envelope.TypeCharacterDeleteRequest:
		p.handleCharacterDelete(ctx, clientID, env)
	case envelope.TypeCharacterUpdate:
		p.handleCharacterUpdate(ctx, clientID, env)

	case envelope.TypeAssetUploadRequest:
		p.handleAssetUpload(ctx, clientID, env)
	case envelope.TypeAssetUploadConfirm:
		p.handleAssetUploadConfirm(ctx, clientID, env)
	case envelope.TypeAssetDownloadRequest:
		p.handleAssetDownload(ctx, clientID, env)
	case envelope.TypeAssetListRequest:
		p.handleAssetList(ctx, clientID, env)

	case envelope.TypePlayerListRequest:
		p.handlePlayerList(ctx, clientID, env)
	case envelope.TypePlayerKickRequest:
		p.handlePlayerKick(ctx, clientID, env)
	case envelope.TypePlayerBanRequest:
		p.handlePlayerBan(ctx, clientID, env)
	case envelope.TypeConnectionStatusReq:
		p.handleConnectionStatus(ctx, clientID, env)

	default:
		p.sendError(ctx, clientID, "unhandled_message_type", string(env.Type))
	}
}

func (p *Protocol) reply(ctx context.Context, clientID string, t envelope.Type, data envelope.Data) {
	out := envelope.New(t, data, clientID)
	if p.broker == nil {
		return
	}
	if err := p.broker.SendTo(ctx, clientID, out); err != nil {
		p.log.WithError(err).WithField("client_id", clientID).Warn("reply send failed")
	}
}

func (p *Protocol) broadcast(ctx context.Context, t envelope.Type, data envelope.Data, excludeClientID string) {
	if p.broker == nil {
		return
	}
	p.broker.Broadcast(ctx, envelope.New(t, data, ""), excludeClientID)
}

func (p *Protocol) sendError(ctx context.Context, clientID, kind, message string) {
	p.reply(ctx, clientID, envelope.TypeError, envelope.Data{"error": kind, "message": message})
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

func getIntPtr(d envelope.Data, key string) *int {
	if _, ok := d[key]; !ok {
		return nil
	}
	n := getInt(d, key)
	return &n
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

// getPoint reads a nested {x,y} object, the shape sprite_move's "to"/"from"
// fields use.
func getPoint(d envelope.Data, key string) (tablemodel.Point, bool) {
	m, ok := d[key].(map[string]any)
	if !ok {
		return tablemodel.Point{}, false
	}
	return tablemodel.Point{X: getInt(envelope.Data(m), "x"), Y: getInt(envelope.Data(m), "y")}, true
}

// resolveEntityID looks an entity up by its wire sprite_id, the identifier
// the client protocol actually sends for the sprite move/scale/rotate/remove
// family; it falls back to a raw entity_id for callers that still send one.
func resolveEntityID(table *tablemodel.Table, d envelope.Data) (int, bool) {
	if spriteID := getString(d, "sprite_id"); spriteID != "" {
		e, ok := table.FindEntityBySpriteID(spriteID)
		if !ok {
			return 0, false
		}
		return e.EntityID, true
	}
	if _, ok := d["entity_id"]; ok {
		return getInt(d, "entity_id"), true
	}
	return 0, false
}

// --- tables ---

func (p *Protocol) handleNewTable(ctx context.Context, clientID string, env *envelope.Envelope) {
	name := getString(env.Data, "table_name")
	width, height := getInt(env.Data, "width"), getInt(env.Data, "height")
	if width == 0 {
		width = 50
	}
	if height == 0 {
		height = 50
	}
	table, result := p.actions.CreateTable(ctx, name, width, height)
	if !result.Success {
		p.sendError(ctx, clientID, string(result.Error), result.Message)
		return
	}
	p.putTable(table)
	if p.broker != nil {
		p.broker.SetTableOwner(clientID, true)
	}
	snap := table.ToSnapshot(p.now().Unix())
	p.reply(ctx, clientID, envelope.TypeNewTableResponse, envelope.Data{"table_data": envelope.Data{
		"table_id": table.TableID, "name": table.Name, "width": table.Width, "height": table.Height, "layers": snap.Layers,
	}})
}

func (p *Protocol) handleTableRequest(ctx context.Context, clientID string, env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return
	}
	snap := table.ToSnapshot(p.now().Unix())
	p.reply(ctx, clientID, envelope.TypeTableResponse, envelope.Data{"table": snap})
}

func (p *Protocol) handleTableList(ctx context.Context, clientID string, env *envelope.Envelope) {
	snaps, err := p.store.ListTables(ctx, p.sessionCode)
	if err != nil {
		p.sendError(ctx, clientID, "malformed_message", err.Error())
		return
	}
	p.reply(ctx, clientID, envelope.TypeTableListResponse, envelope.Data{"tables": snaps})
}

func (p *Protocol) handleTableDelete(ctx context.Context, clientID string, env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return
	}
	result := p.actions.DeleteTable(ctx, table)
	if !result.Success {
		p.sendError(ctx, clientID, string(result.Error), result.Message)
		return
	}
	p.dropTable(tableID)
	p.broadcast(ctx, envelope.TypeTableDelete, envelope.Data{"table_id": tableID}, "")
}

// --- sprites ---

func (p *Protocol) userID(env *envelope.Envelope) string {
	if uid := getString(env.Data, "user_id"); uid != "" {
		return uid
	}
	if p.broker != nil {
		if info, ok := p.broker.Info(env.ClientID); ok && info.UserID != "" {
			return info.UserID
		}
	}
	return env.ClientID
}

func (p *Protocol) characterOwner(ctx context.Context) func(string) (string, bool) {
	return func(characterID string) (string, bool) {
		c, err := p.characters.LoadCharacter(ctx, characterID)
		if err != nil {
			return "", false
		}
		return c.OwnerUserID, true
	}
}

func (p *Protocol) handleSpriteCreate(ctx context.Context, clientID string, env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return
	}
	d := tablemodel.Descriptor{
		Name:        getString(env.Data, "name"),
		Position:    tablemodel.Point{X: getInt(env.Data, "x"), Y: getInt(env.Data, "y")},
		Layer:       tablemodel.Layer(getString(env.Data, "layer")),
		TexturePath: getString(env.Data, "texture_path"),
		CharacterID: getString(env.Data, "character_id"),
	}
	result := p.actions.AddEntity(ctx, table, d)
	if !result.Success {
		p.sendError(ctx, clientID, string(result.Error), result.Message)
		return
	}
	data := envelope.Data(result.Data)
	data["table_id"] = tableID
	p.reply(ctx, clientID, envelope.TypeSpriteData, data)
	p.broadcast(ctx, envelope.TypeSpriteCreate, data, clientID)
}

func (p *Protocol) handleSpriteMove(ctx context.Context, clientID string, env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return
	}
	entityID, ok := resolveEntityID(table, env.Data)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "sprite not found")
		return
	}
	newPos, ok := getPoint(env.Data, "to")
	if !ok {
		newPos = tablemodel.Point{X: getInt(env.Data, "x"), Y: getInt(env.Data, "y")}
	}
	var newLayer *tablemodel.Layer
	if l := getString(env.Data, "layer"); l != "" {
		layer := tablemodel.Layer(l)
		newLayer = &layer
	}
	userID := p.userID(env)
	result := p.actions.MoveEntity(ctx, table, entityID, newPos, newLayer, userID, p.characterOwner(ctx))
	if !result.Success {
		// position_correction is sent to the requester alone; the table's
		// authoritative state did not change, so nothing broadcasts.
		data := envelope.Data(result.Data)
		data["entity_id"] = entityID
		data["reason"] = result.Message
		p.reply(ctx, clientID, envelope.TypePositionCorrection, data)
		return
	}
	data := envelope.Data(result.Data)
	data["table_id"] = tableID
	p.broadcast(ctx, envelope.TypeSpriteMove, data, clientID)
}

// mutateEntity applies a permission-checked in-place field mutation to an
// entity not covered by the action layer's move/add/remove trio, then saves
// the table immediately (scale/rotate are not debounced: they are rare,
// low-volume operations compared to move).
func (p *Protocol) mutateEntity(ctx context.Context, clientID string, env *envelope.Envelope, mutate func(*tablemodel.Entity)) (*tablemodel.Table, *tablemodel.Entity, bool) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return nil, nil, false
	}
	entityID, ok := resolveEntityID(table, env.Data)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "sprite not found")
		return nil, nil, false
	}
	e, found := table.Entity(entityID)
	if !found {
		p.sendError(ctx, clientID, "not_found", "entity not found")
		return nil, nil, false
	}
	userID := p.userID(env)
	if !entityControlledBy(e, userID, p.characterOwner(ctx)) {
		p.sendError(ctx, clientID, "unauthorized", "user does not control this entity")
		return nil, nil, false
	}
	mutate(e)
	if err := p.store.SaveTable(ctx, p.sessionCode, table.ToSnapshot(p.now().Unix())); err != nil {
		p.log.WithError(err).WithField("table_id", tableID).Warn("save table after mutation failed")
	}
	return table, e, true
}

func entityControlledBy(e *tablemodel.Entity, userID string, characterOwner func(string) (string, bool)) bool {
	for _, u := range e.ControlledBy {
		if u == userID {
			return true
		}
	}
	if e.CharacterID != "" && characterOwner != nil {
		if owner, ok := characterOwner(e.CharacterID); ok && owner == userID {
			return true
		}
	}
	return len(e.ControlledBy) == 0 && e.CharacterID == ""
}

func (p *Protocol) handleSpriteScale(ctx context.Context, clientID string, env *envelope.Envelope) {
	table, e, ok := p.mutateEntity(ctx, clientID, env, func(e *tablemodel.Entity) {
		e.ScaleX = getFloat(env.Data, "scale_x")
		e.ScaleY = getFloat(env.Data, "scale_y")
	})
	if !ok {
		return
	}
	p.broadcast(ctx, envelope.TypeSpriteScale, envelope.Data{
		"table_id": table.TableID, "entity_id": e.EntityID, "sprite_id": e.SpriteID, "scale_x": e.ScaleX, "scale_y": e.ScaleY,
	}, clientID)
}

func (p *Protocol) handleSpriteRotate(ctx context.Context, clientID string, env *envelope.Envelope) {
	table, e, ok := p.mutateEntity(ctx, clientID, env, func(e *tablemodel.Entity) {
		e.Rotation = getFloat(env.Data, "rotation")
	})
	if !ok {
		return
	}
	p.broadcast(ctx, envelope.TypeSpriteRotate, envelope.Data{
		"table_id": table.TableID, "entity_id": e.EntityID, "sprite_id": e.SpriteID, "rotation": e.Rotation,
	}, clientID)
}

func (p *Protocol) handleSpriteRemove(ctx context.Context, clientID string, env *envelope.Envelope) {
	tableID := getString(env.Data, "table_id")
	table, ok := p.table(tableID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "table not found")
		return
	}
	entityID, ok := resolveEntityID(table, env.Data)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "sprite not found")
		return
	}
	userID := p.userID(env)
	result := p.actions.RemoveEntity(ctx, table, entityID, userID, p.characterOwner(ctx))
	if !result.Success {
		p.sendError(ctx, clientID, string(result.Error), result.Message)
		return
	}
	data := envelope.Data(result.Data)
	data["table_id"] = tableID
	p.broadcast(ctx, envelope.TypeSpriteRemove, data, clientID)
}

// --- characters ---

func (p *Protocol) handleCharacterSave(ctx context.Context, clientID string, env *envelope.Envelope) {
	c := &persistence.Character{
		CharacterID: getString(env.Data, "character_id"),
		OwnerUserID: p.userID(env),
		Name:        getString(env.Data, "name"),
		HP:          getInt(env.Data, "hp"),
		MaxHP:       getInt(env.Data, "max_hp"),
		AC:          getInt(env.Data, "ac"),
		UpdatedAt:   p.now().Unix(),
	}
	if data, ok := env.Data["data"].(map[string]any); ok {
		c.Data = data
	}
	if err := p.characters.SaveCharacter(ctx, c); err != nil {
		p.sendError(ctx, clientID, "malformed_message", err.Error())
		return
	}
	p.reply(ctx, clientID, envelope.TypeCharacterSaveResponse, envelope.Data{"character_id": c.CharacterID, "version": c.Version})
}

func (p *Protocol) handleCharacterLoad(ctx context.Context, clientID string, env *envelope.Envelope) {
	characterID := getString(env.Data, "character_id")
	c, err := p.characters.LoadCharacter(ctx, characterID)
	if err != nil {
		p.sendError(ctx, clientID, "not_found", "character not found")
		return
	}
	p.reply(ctx, clientID, envelope.TypeCharacterLoadResponse, envelope.Data{"character": c})
}

func (p *Protocol) handleCharacterList(ctx context.Context, clientID string, env *envelope.Envelope) {
	ownerUserID := getString(env.Data, "owner_user_id")
	if ownerUserID == "" {
		ownerUserID = p.userID(env)
	}
	chars, err := p.characters.ListCharacters(ctx, ownerUserID)
	if err != nil {
		p.sendError(ctx, clientID, "malformed_message", err.Error())
		return
	}
	p.reply(ctx, clientID, envelope.TypeCharacterListResponse, envelope.Data{"characters": chars})
}

func (p *Protocol) handleCharacterDelete(ctx context.Context, clientID string, env *envelope.Envelope) {
	characterID := getString(env.Data, "character_id")
	if err := p.characters.DeleteCharacter(ctx, characterID); err != nil {
		p.sendError(ctx, clientID, "malformed_message", err.Error())
		return
	}
	p.reply(ctx, clientID, envelope.TypeCharacterDeleteResponse, envelope.Data{"character_id": characterID})
}

// handleCharacterUpdate applies the optimistic-versioned update and, when hp/
// max_hp/ac changed, pushes the new values onto every bound token across
// every table this protocol currently holds and broadcasts the result.
func (p *Protocol) handleCharacterUpdate(ctx context.Context, clientID string, env *envelope.Envelope) {
	characterID := getString(env.Data, "character_id")
	updates, _ := env.Data["updates"].(map[string]any)
	userID := p.userID(env)
	expectedVersion := getIntPtr(env.Data, "expected_version")

	result := p.actions.UpdateCharacter(ctx, characterID, updates, userID, expectedVersion)
	if !result.Success {
		p.sendError(ctx, clientID, string(result.Error), result.Message)
		return
	}
	p.reply(ctx, clientID, envelope.TypeCharacterUpdateResponse, envelope.Data(result.Data))

	syncFields, hasSync := action.SyncFields(updates)
	if !hasSync {
		return
	}
	for _, t := range p.allTables() {
		touched := action.ApplyTokenSync(t, characterID, syncFields)
		if len(touched) == 0 {
			continue
		}
		if err := p.store.SaveTable(ctx, p.sessionCode, t.ToSnapshot(p.now().Unix())); err != nil {
			p.log.WithError(err).WithField("table_id", t.TableID).Warn("save table after token sync failed")
		}
		p.broadcast(ctx, envelope.TypeSpriteUpdate, envelope.Data{
			"table_id": t.TableID, "entity_ids": touched, "fields": syncFields,
		}, "")
	}
}

// --- assets ---

func (p *Protocol) handleAssetUpload(ctx context.Context, clientID string, env *envelope.Envelope) {
	filename := getString(env.Data, "filename")
	encoded := getString(env.Data, "content_base64")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		p.sendError(ctx, clientID, "malformed_message", "content_base64 is not valid base64")
		return
	}
	record, err := p.assets.IngestUpload(data, filename, "")
	if err != nil {
		p.sendError(ctx, clientID, "malformed_message", err.Error())
		return
	}
	p.reply(ctx, clientID, envelope.TypeAssetUploadResponse, envelope.Data{
		"asset_id": record.AssetID, "xxhash": record.XXHash, "filename": record.Filename,
	})
}

func (p *Protocol) handleAssetUploadConfirm(ctx context.Context, clientID string, env *envelope.Envelope) {
	assetID := getString(env.Data, "asset_id")
	if !p.assets.IsCached(assetID) {
		p.sendError(ctx, clientID, "not_found", "asset not found")
		return
	}
	p.reply(ctx, clientID, envelope.TypeAssetUploadResponse, envelope.Data{"asset_id": assetID, "confirmed": true})
}

func (p *Protocol) handleAssetDownload(ctx context.Context, clientID string, env *envelope.Envelope) {
	assetID := getString(env.Data, "asset_id")
	record, ok := p.assets.Get(assetID)
	if !ok {
		p.sendError(ctx, clientID, "not_found", "asset not found")
		return
	}
	raw, err := os.ReadFile(record.LocalPath)
	if err != nil {
		p.sendError(ctx, clientID, "malformed_message", fmt.Sprintf("read cached asset: %v", err))
		return
	}
	p.reply(ctx, clientID, envelope.TypeAssetDownloadResponse, envelope.Data{
		"asset_id": assetID, "filename": record.Filename, "xxhash": record.XXHash,
		"content_base64": base64.StdEncoding.EncodeToString(raw),
	})
}

func (p *Protocol) handleAssetList(ctx context.Context, clientID string, env *envelope.Envelope) {
	records := p.assets.List()
	p.reply(ctx, clientID, envelope.TypeAssetListResponse, envelope.Data{"assets": records})
}

// --- players ---

func (p *Protocol) handlePlayerList(ctx context.Context, clientID string, env *envelope.Envelope) {
	ids := p.broker.ClientIDs()
	players := make([]envelope.Data, 0, len(ids))
	for _, id := range ids {
		info, ok := p.broker.Info(id)
		if !ok {
			continue
		}
		players = append(players, envelope.Data{
			"client_id": info.ClientID, "user_id": info.UserID, "username": info.Username,
			"table_owner": info.TableOwner,
		})
	}
	p.reply(ctx, clientID, envelope.TypePlayerListResponse, envelope.Data{"players": players})
}

func (p *Protocol) requireTableOwner(ctx context.Context, clientID string) bool {
	info, ok := p.broker.Info(clientID)
	if !ok || !info.TableOwner {
		p.sendError(ctx, clientID, "unauthorized", "only the table owner may perform this action")
		return false
	}
	return true
}

func (p *Protocol) handlePlayerKick(ctx context.Context, clientID string, env *envelope.Envelope) {
	if !p.requireTableOwner(ctx, clientID) {
		return
	}
	target := getString(env.Data, "client_id")
	p.broker.RemoveClient(target)
	p.reply(ctx, clientID, envelope.TypePlayerKickResponse, envelope.Data{"client_id": target})
	p.broadcast(ctx, envelope.TypePlayerLeft, envelope.Data{"client_id": target, "reason": "kicked"}, "")
}

func (p *Protocol) handlePlayerBan(ctx context.Context, clientID string, env *envelope.Envelope) {
	if !p.requireTableOwner(ctx, clientID) {
		return
	}
	target := getString(env.Data, "client_id")
	info, ok := p.broker.Info(target)
	if ok {
		p.bannedMu.Lock()
		p.bannedIDs[info.UserID] = true
		p.bannedMu.Unlock()
	}
	p.broker.RemoveClient(target)
	p.reply(ctx, clientID, envelope.TypePlayerBanResponse, envelope.Data{"client_id": target})
	p.broadcast(ctx, envelope.TypePlayerLeft, envelope.Data{"client_id": target, "reason": "banned"}, "")
}

// IsBanned reports whether userID was previously banned from this session,
// checked by the connection-accept path before AddClient is called.
func (p *Protocol) IsBanned(userID string) bool {
	p.bannedMu.Lock()
	defer p.bannedMu.Unlock()
	return p.bannedIDs[userID]
}

func (p *Protocol) handleConnectionStatus(ctx context.Context, clientID string, env *envelope.Envelope) {
	p.reply(ctx, clientID, envelope.TypeConnectionStatusResp, envelope.Data{
		"session_code": p.sessionCode, "connected_clients": len(p.broker.ClientIDs()),
	})
}
