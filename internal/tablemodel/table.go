// Package tablemodel implements the authoritative mutable table state: a 2D
// grid of layered entities, its sprite-id index, fog rectangles, and view
// state. Grounded on core_table/table.py of the original implementation,
// restructured in the idiom of orbas1-Synnergy/synnergy-network/core
// (arena-style owner holding entities by integer id, no back-pointers).
package tablemodel

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Layer is one of the fixed, ordered layer names a Table always carries.
type Layer string

const (
	LayerMap           Layer = "map"
	LayerTokens        Layer = "tokens"
	LayerDungeonMaster Layer = "dungeon_master"
	LayerLight         Layer = "light"
	LayerHeight        Layer = "height"
	LayerObstacles     Layer = "obstacles"
	LayerFogOfWar      Layer = "fog_of_war"
)

// Layers is the fixed ordered sequence every Table carries.
var Layers = []Layer{
	LayerMap, LayerTokens, LayerDungeonMaster, LayerLight, LayerHeight,
	LayerObstacles, LayerFogOfWar,
}

func isKnownLayer(l Layer) bool {
	for _, k := range Layers {
		if k == l {
			return true
		}
	}
	return false
}

// Point is an integer grid coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is an axis-aligned rectangle used by fog-of-war.
type Rect struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// Entity is a placed object with position, layer, visual, and optional
// binding to a character.
type Entity struct {
	EntityID     int      `json:"entity_id"`
	SpriteID     string   `json:"sprite_id"`
	Name         string   `json:"name"`
	Position     Point    `json:"position"`
	Layer        Layer    `json:"layer"`
	TexturePath  string   `json:"texture_path,omitempty"`
	ScaleX       float64  `json:"scale_x"`
	ScaleY       float64  `json:"scale_y"`
	Rotation     float64  `json:"rotation"`
	CharacterID  string   `json:"character_id,omitempty"`
	ControlledBy []string `json:"controlled_by,omitempty"`
	HP           *int     `json:"hp,omitempty"`
	MaxHP        *int     `json:"max_hp,omitempty"`
	AC           *int     `json:"ac,omitempty"`
	AuraRadius   float64  `json:"aura_radius,omitempty"`
}

// Descriptor is the input to AddEntity.
type Descriptor struct {
	Name        string
	Position    Point
	Layer       Layer
	TexturePath string
	CharacterID string
}

// ErrorKind is the error taxonomy that TableModel operations can produce.
type ErrorKind string

const (
	ErrBoundsViolation ErrorKind = "bounds_violation"
	ErrTargetOccupied  ErrorKind = "target_occupied"
	ErrNotFound        ErrorKind = "not_found"
	ErrMalformed       ErrorKind = "malformed_message"
)

// Error carries a taxonomy kind alongside a human-readable message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Table is the authoritative mutable state for one virtual tabletop. All
// methods are synchronous and assume single-threaded ownership by the
// session that holds the table.
type Table struct {
	TableID string
	Name    string
	Width   int
	Height  int

	entities       map[int]*Entity
	nextEntityID   int
	grid           map[Layer][][]*int // grid[layer][y][x] = *entityID or nil
	spriteToEntity map[string]int

	FogHide   []Rect
	FogReveal []Rect

	Position Point
	Scale    Point
	// LayerVisibility tracks per-layer client-side visibility toggles.
	LayerVisibility map[Layer]bool

	// Version increments on every mutating operation and is persisted as
	// metadata.version in snapshots; it is never used for concurrency control.
	// Characters use optimistic versioning; tables use last-writer-wins with
	// reconciliation.
	Version int
}

// New constructs an empty table of the given dimensions. Both dimensions
// must be positive.
func New(name string, width, height int) (*Table, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("tablemodel: width and height must be > 0, got %dx%d", width, height)
	}
	t := &Table{
		TableID:         uuid.NewString(),
		Name:            name,
		Width:           width,
		Height:          height,
		entities:        make(map[int]*Entity),
		nextEntityID:    1,
		grid:            make(map[Layer][][]*int, len(Layers)),
		spriteToEntity:  make(map[string]int),
		LayerVisibility: make(map[Layer]bool, len(Layers)),
		Scale:           Point{},
	}
	for _, l := range Layers {
		t.grid[l] = emptyGrid(width, height)
		t.LayerVisibility[l] = true
	}
	return t, nil
}

func emptyGrid(width, height int) [][]*int {
	g := make([][]*int, height)
	for y := range g {
		g[y] = make([]*int, width)
	}
	return g
}

// InBounds reports whether p lies within [0,width) x [0,height).
func (t *Table) InBounds(p Point) bool {
	return p.X >= 0 && p.X < t.Width && p.Y >= 0 && p.Y < t.Height
}

// Entities returns the entity map's values. Not safe to mutate the
// returned entities' identity fields directly; use the mutation methods.
func (t *Table) Entities() map[int]*Entity {
	return t.entities
}

// Entity looks up an entity by id.
func (t *Table) Entity(id int) (*Entity, bool) {
	e, ok := t.entities[id]
	return e, ok
}

// AddEntity validates the layer and position, allocates the next entity id,
// and writes the grid cell and sprite index. Cell collision is permitted at
// add time — the original implementation tolerates it and callers that want
// to reject a collision should check EntityAt first. This asymmetry
// with MoveEntity is intentional.
func (t *Table) AddEntity(d Descriptor) (*Entity, error) {
	if d.Layer == "" {
		d.Layer = LayerTokens
	}
	if !isKnownLayer(d.Layer) {
		return nil, newErr(ErrMalformed, "unknown layer %q", d.Layer)
	}
	if !t.InBounds(d.Position) {
		return nil, newErr(ErrBoundsViolation, "position %+v out of bounds for %dx%d table", d.Position, t.Width, t.Height)
	}

	id := t.nextEntityID
	e := &Entity{
		EntityID:    id,
		SpriteID:    uuid.NewString(),
		Name:        d.Name,
		Position:    d.Position,
		Layer:       d.Layer,
		TexturePath: d.TexturePath,
		ScaleX:      1.0,
		ScaleY:      1.0,
		CharacterID: d.CharacterID,
	}
	t.entities[id] = e
	t.spriteToEntity[e.SpriteID] = id
	t.grid[d.Layer][d.Position.Y][d.Position.X] = &id
	t.nextEntityID++
	t.Version++
	return e, nil
}

// MoveEntity validates the destination is in bounds and unoccupied, then
// atomically clears the source cell and sets the destination cell. A move
// that fails leaves the grid and entity unchanged.
func (t *Table) MoveEntity(entityID int, newPos Point, newLayer *Layer) error {
	e, ok := t.entities[entityID]
	if !ok {
		return newErr(ErrNotFound, "entity %d not found", entityID)
	}
	if !t.InBounds(newPos) {
		return newErr(ErrBoundsViolation, "position %+v out of bounds for %dx%d table", newPos, t.Width, t.Height)
	}

	destLayer := e.Layer
	if newLayer != nil && isKnownLayer(*newLayer) {
		destLayer = *newLayer
	}
	if occ := t.grid[destLayer][newPos.Y][newPos.X]; occ != nil && *occ != entityID {
		return newErr(ErrTargetOccupied, "position %+v on layer %s is occupied by entity %d", newPos, destLayer, *occ)
	}

	oldPos, oldLayer := e.Position, e.Layer
	t.grid[oldLayer][oldPos.Y][oldPos.X] = nil
	e.Position = newPos
	e.Layer = destLayer
	t.grid[destLayer][newPos.Y][newPos.X] = &entityID
	t.Version++
	return nil
}

// RemoveEntity clears the grid cell, removes the sprite index entry, and
// deletes the entity.
func (t *Table) RemoveEntity(entityID int) error {
	e, ok := t.entities[entityID]
	if !ok {
		return newErr(ErrNotFound, "entity %d not found", entityID)
	}
	t.grid[e.Layer][e.Position.Y][e.Position.X] = nil
	delete(t.spriteToEntity, e.SpriteID)
	delete(t.entities, entityID)
	t.Version++
	return nil
}

// FindEntityBySpriteID is an O(1) lookup via the secondary sprite index.
func (t *Table) FindEntityBySpriteID(spriteID string) (*Entity, bool) {
	id, ok := t.spriteToEntity[spriteID]
	if !ok {
		return nil, false
	}
	return t.entities[id], true
}

// EntityAt reports the occupant of a grid cell, if any.
func (t *Table) EntityAt(layer Layer, p Point) (*Entity, bool) {
	if !isKnownLayer(layer) || !t.InBounds(p) {
		return nil, false
	}
	occ := t.grid[layer][p.Y][p.X]
	if occ == nil {
		return nil, false
	}
	e, ok := t.entities[*occ]
	return e, ok
}

// EntitiesByCharacterID returns every entity bound to characterID, used by
// the character-to-token sync in the action layer.
func (t *Table) EntitiesByCharacterID(characterID string) []*Entity {
	var out []*Entity
	for _, id := range sortedEntityIDs(t.entities) {
		e := t.entities[id]
		if e.CharacterID == characterID {
			out = append(out, e)
		}
	}
	return out
}

func sortedEntityIDs(m map[int]*Entity) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot is the round-trippable JSON projection of a Table, the format
// persisted to disk.
type Snapshot struct {
	TableID       string                        `json:"table_id"`
	Name          string                        `json:"name"`
	Width         int                           `json:"width"`
	Height        int                           `json:"height"`
	Layers        map[Layer]map[string]*Entity  `json:"layers"`
	FogRectangles FogRectangles                 `json:"fog_rectangles"`
	Metadata      SnapshotMetadata              `json:"metadata"`
}

// FogRectangles is the two-sequence hide/reveal fog format.
type FogRectangles struct {
	Hide   []Rect `json:"hide"`
	Reveal []Rect `json:"reveal"`
}

// SnapshotMetadata carries bookkeeping fields persisted alongside a table.
type SnapshotMetadata struct {
	Version          int   `json:"version"`
	EntityCount      int   `json:"entity_count"`
	NextEntityID     int   `json:"next_entity_id"`
	CreatedTimestamp int64 `json:"created_timestamp"`
}

// ToSnapshot produces the layered-dict JSON projection.
func (t *Table) ToSnapshot(createdAt int64) *Snapshot {
	layers := make(map[Layer]map[string]*Entity, len(Layers))
	for _, l := range Layers {
		layers[l] = map[string]*Entity{}
	}
	for _, id := range sortedEntityIDs(t.entities) {
		e := t.entities[id]
		bucket, ok := layers[e.Layer]
		if !ok {
			continue
		}
		bucket[fmt.Sprintf("%d", id)] = e
	}
	return &Snapshot{
		TableID:       t.TableID,
		Name:          t.Name,
		Width:         t.Width,
		Height:        t.Height,
		Layers:        layers,
		FogRectangles: FogRectangles{Hide: t.FogHide, Reveal: t.FogReveal},
		Metadata: SnapshotMetadata{
			Version:          t.Version,
			EntityCount:      len(t.entities),
			NextEntityID:     t.nextEntityID,
			CreatedTimestamp: createdAt,
		},
	}
}

// FromSnapshot rebuilds a Table from its persisted projection. Entries with
// out-of-bounds positions are dropped rather than failing the whole load.
// next_entity_id is recomputed as max(entity_id)+1 so a
// snapshot's stated next_entity_id is a hint, not authoritative, matching
// the original implementation's tolerance of stale metadata.
func FromSnapshot(s *Snapshot) (*Table, []string, error) {
	t, err := New(s.Name, s.Width, s.Height)
	if err != nil {
		return nil, nil, err
	}
	t.TableID = s.TableID
	t.FogHide = s.FogRectangles.Hide
	t.FogReveal = s.FogRectangles.Reveal

	var warnings []string
	maxID := 0
	for layer, bucket := range s.Layers {
		if !isKnownLayer(layer) {
			warnings = append(warnings, fmt.Sprintf("unknown layer %q in snapshot, skipped", layer))
			continue
		}
		for _, e := range bucket {
			if !t.InBounds(e.Position) {
				warnings = append(warnings, fmt.Sprintf("entity %d at out-of-bounds position %+v dropped", e.EntityID, e.Position))
				continue
			}
			ec := *e
			ec.Layer = layer
			t.entities[ec.EntityID] = &ec
			if ec.SpriteID == "" {
				ec.SpriteID = uuid.NewString()
			}
			t.spriteToEntity[ec.SpriteID] = ec.EntityID
			id := ec.EntityID
			t.grid[layer][ec.Position.Y][ec.Position.X] = &id
			if ec.EntityID > maxID {
				maxID = ec.EntityID
			}
		}
	}
	t.nextEntityID = maxID + 1
	return t, warnings, nil
}
