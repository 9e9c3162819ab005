// Package action implements the validated mutation API shared by both the
// server and client sides. Grounded on
// core_table/actions_protocol.py of the original implementation (ActionResult,
// permission checks, character versioning) and on
// orbas1-Synnergy/synnergy-network/core's habit of returning a result struct
// from state-mutating calls rather than bare errors where the caller needs a
// machine-readable failure reason.
package action

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vttcore/internal/persistence"
	"vttcore/internal/tablemodel"
)

// ErrorKind is the failure taxonomy surfaced in ActionResult.
type ErrorKind string

const (
	ErrUnauthorized    ErrorKind = "unauthorized"
	ErrNotFound        ErrorKind = "not_found"
	ErrBoundsViolation ErrorKind = "bounds_violation"
	ErrTargetOccupied  ErrorKind = "target_occupied"
	ErrVersionConflict ErrorKind = "version_conflict"
	ErrMalformed       ErrorKind = "malformed_message"
)

// Result is the uniform return value of every ActionLayer operation.
type Result struct {
	Success bool
	Message string
	Error   ErrorKind
	Data    map[string]any
}

func ok(message string, data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Success: true, Message: message, Data: data}
}

func fail(kind ErrorKind, message string) Result {
	return Result{Success: false, Message: message, Error: kind, Data: map[string]any{"error": string(kind)}}
}

// CharacterSyncFields is the subset of character updates that propagate to
// bound tokens: hp, max_hp, and ac.
var CharacterSyncFields = map[string]bool{"hp": true, "max_hp": true, "ac": true}

// Layer is the ActionLayer: table mutation plus permission checks,
// optimistic character versioning, character-to-token sync, and debounced
// persistence.
type Layer struct {
	tables      persistence.TableStore
	characters  persistence.CharacterStore
	log         *logrus.Entry
	now         func() time.Time
	debounce    time.Duration
	flushDelay  *Debouncer
	sessionCode string

	mu sync.Mutex
	// charVersions records the version each successful UpdateCharacter
	// stored, per character id. The optimistic check itself always reloads
	// the character from the store.
	charVersions map[string]int
}

// Option configures a Layer.
type Option func(*Layer)

// WithDebounce overrides the default ~300ms batched-save debounce window
// (the original's typical range is ~250-500ms).
func WithDebounce(d time.Duration) Option {
	return func(l *Layer) { l.debounce = d }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// New constructs an ActionLayer bound to one session's table/character
// stores.
func New(sessionCode string, tables persistence.TableStore, characters persistence.CharacterStore, log *logrus.Entry, opts ...Option) *Layer {
	l := &Layer{
		tables:       tables,
		characters:   characters,
		log:          log,
		now:          time.Now,
		debounce:     300 * time.Millisecond,
		sessionCode:  sessionCode,
		charVersions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.flushDelay = NewDebouncer(l.debounce)
	return l
}

// Close runs every pending debounced save immediately and stops the
// debouncer's timers, draining pending saves at shutdown.
func (l *Layer) Close(ctx context.Context) {
	l.flushDelay.FlushAll(ctx)
}

// hasPermission reports whether userID controls e: the actor must be in
// controlled_by, or own the bound character. An entity with neither a
// controlled_by list nor a bound character is open to every user.
func hasPermission(e *tablemodel.Entity, userID string, characterOwner func(characterID string) (ownerUserID string, ok bool)) bool {
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

// AddEntity validates and adds an entity to table, scheduling a debounced
// save.
func (l *Layer) AddEntity(ctx context.Context, table *tablemodel.Table, d tablemodel.Descriptor) Result {
	e, err := table.AddEntity(d)
	if err != nil {
		return translateTableErr(err)
	}
	l.schedulePersist(ctx, table, false)
	return ok("entity added", map[string]any{"entity_id": e.EntityID, "sprite_id": e.SpriteID})
}

// MoveEntity validates permission and occupancy before delegating to the
// table model. On target_occupied it returns the authoritative position so
// the caller (server protocol) can issue a position_correction.
func (l *Layer) MoveEntity(ctx context.Context, table *tablemodel.Table, entityID int, newPos tablemodel.Point, newLayer *tablemodel.Layer, userID string, characterOwner func(string) (string, bool)) Result {
	e, found := table.Entity(entityID)
	if !found {
		return fail(ErrNotFound, "entity not found")
	}
	if !hasPermission(e, userID, characterOwner) {
		return fail(ErrUnauthorized, "user does not control this entity").withAuthoritativePosition(e)
	}
	if err := table.MoveEntity(entityID, newPos, newLayer); err != nil {
		r := translateTableErr(err)
		return r.withAuthoritativePosition(e)
	}
	l.schedulePersist(ctx, table, false)
	return ok("moved", map[string]any{"entity_id": entityID, "sprite_id": e.SpriteID, "position": e.Position, "to": e.Position, "layer": e.Layer})
}

// RemoveEntity validates permission then deletes the entity.
func (l *Layer) RemoveEntity(ctx context.Context, table *tablemodel.Table, entityID int, userID string, characterOwner func(string) (string, bool)) Result {
	e, found := table.Entity(entityID)
	if !found {
		return fail(ErrNotFound, "entity not found")
	}
	if !hasPermission(e, userID, characterOwner) {
		return fail(ErrUnauthorized, "user does not control this entity")
	}
	spriteID := e.SpriteID
	if err := table.RemoveEntity(entityID); err != nil {
		return translateTableErr(err)
	}
	l.schedulePersist(ctx, table, false)
	return ok("removed", map[string]any{"entity_id": entityID, "sprite_id": spriteID})
}

func translateTableErr(err error) Result {
	terr, ok := err.(*tablemodel.Error)
	if !ok {
		return fail(ErrMalformed, err.Error())
	}
	switch terr.Kind {
	case tablemodel.ErrBoundsViolation:
		return fail(ErrBoundsViolation, terr.Msg)
	case tablemodel.ErrTargetOccupied:
		return fail(ErrTargetOccupied, terr.Msg)
	case tablemodel.ErrNotFound:
		return fail(ErrNotFound, terr.Msg)
	default:
		return fail(ErrMalformed, terr.Msg)
	}
}

func (r Result) withAuthoritativePosition(e *tablemodel.Entity) Result {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data["authoritative_position"] = e.Position
	r.Data["authoritative_layer"] = e.Layer
	r.Data["sprite_id"] = e.SpriteID
	return r
}

// CreateTable flushes immediately — table create/delete are critical
// operations that bypass the debounce window.
func (l *Layer) CreateTable(ctx context.Context, name string, width, height int) (*tablemodel.Table, Result) {
	table, err := tablemodel.New(name, width, height)
	if err != nil {
		return nil, fail(ErrMalformed, err.Error())
	}
	l.flushNow(ctx, table)
	return table, ok("table created", map[string]any{"table_id": table.TableID})
}

// DeleteTable flushes the deletion immediately (critical operation).
func (l *Layer) DeleteTable(ctx context.Context, table *tablemodel.Table) Result {
	if err := l.tables.DeleteTable(ctx, l.sessionCode, table.TableID); err != nil {
		l.log.WithError(err).Warn("delete table failed")
		return fail(ErrMalformed, err.Error())
	}
	l.flushDelay.Cancel(table.TableID)
	return ok("table deleted", map[string]any{"table_id": table.TableID})
}

func (l *Layer) schedulePersist(ctx context.Context, table *tablemodel.Table, critical bool) {
	if critical {
		l.flushNow(ctx, table)
		return
	}
	l.flushDelay.Schedule(table.TableID, func() {
		l.flushNow(context.Background(), table)
	})
}

func (l *Layer) flushNow(ctx context.Context, table *tablemodel.Table) {
	snap := table.ToSnapshot(l.now().Unix())
	if err := l.tables.SaveTable(ctx, l.sessionCode, snap); err != nil {
		l.log.WithError(err).WithField("table_id", table.TableID).Warn("save table failed")
	}
}

// FlushAllPendingSaves drains every table's debounced save before shutdown.
func (l *Layer) FlushAllPendingSaves(ctx context.Context) {
	l.flushDelay.FlushAll(ctx)
}

// UpdateCharacter performs an optimistic-versioned character update. It
// succeeds only when expectedVersion is nil or equal to the stored version;
// on success the version increments by exactly one and the new value is
// returned in Data["version"].
func (l *Layer) UpdateCharacter(ctx context.Context, characterID string, updates map[string]any, userID string, expectedVersion *int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.characters.LoadCharacter(ctx, characterID)
	if err != nil {
		return fail(ErrNotFound, "character not found")
	}
	if current.OwnerUserID != "" && current.OwnerUserID != userID {
		return fail(ErrUnauthorized, "user does not own this character")
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return fail(ErrVersionConflict, "expected version does not match current version")
	}

	applyCharacterUpdates(current, updates)
	current.Version++
	current.UpdatedAt = l.now().Unix()

	if err := l.characters.SaveCharacter(ctx, current); err != nil {
		return fail(ErrMalformed, err.Error())
	}
	l.charVersions[characterID] = current.Version

	return ok("character updated", map[string]any{"version": current.Version})
}

func applyCharacterUpdates(c *persistence.Character, updates map[string]any) {
	if v, ok := updates["name"].(string); ok {
		c.Name = v
	}
	if v, ok := updates["hp"]; ok {
		c.HP = toInt(v)
	}
	if v, ok := updates["max_hp"]; ok {
		c.MaxHP = toInt(v)
	}
	if v, ok := updates["ac"]; ok {
		c.AC = toInt(v)
	}
	if v, ok := updates["data"].(map[string]any); ok {
		if c.Data == nil {
			c.Data = map[string]any{}
		}
		for k, val := range v {
			c.Data[k] = val
		}
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// SyncFields returns the subset of updates that must propagate to bound
// tokens, and whether any such field was present.
func SyncFields(updates map[string]any) (map[string]any, bool) {
	out := map[string]any{}
	for k := range CharacterSyncFields {
		if v, ok := updates[k]; ok {
			out[k] = v
		}
	}
	return out, len(out) > 0
}

// ApplyTokenSync pushes hp/max_hp/ac fields onto every entity in table bound
// to characterID, both in memory and (by the caller re-saving the table) in
// persistence.
func ApplyTokenSync(table *tablemodel.Table, characterID string, fields map[string]any) []int {
	var touched []int
	for _, e := range table.EntitiesByCharacterID(characterID) {
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
		touched = append(touched, e.EntityID)
	}
	return touched
}
