// Package persistence defines the narrow interfaces the action layer calls
// into for durable table and character state. The relational persistence
// layer itself is out of scope; this package only specifies the contract
// and ships one file-backed implementation sufficient for local
// development and tests.
package persistence

import (
	"context"

	"vttcore/internal/tablemodel"
)

// Character is the persisted shape of a player character, filled in from
// the character_save/load/update family of message contracts.
type Character struct {
	CharacterID string         `json:"character_id"`
	OwnerUserID string         `json:"owner_user_id"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data"`
	HP          int            `json:"hp"`
	MaxHP       int            `json:"max_hp"`
	AC          int            `json:"ac"`
	Version     int            `json:"version"`
	UpdatedAt   int64          `json:"updated_at"`
}

// TableStore persists table snapshots. SaveTable is called both from the
// debounced batch path and from immediate flush points (table
// create/delete).
type TableStore interface {
	SaveTable(ctx context.Context, sessionCode string, snap *tablemodel.Snapshot) error
	LoadTable(ctx context.Context, sessionCode, tableID string) (*tablemodel.Snapshot, error)
	DeleteTable(ctx context.Context, sessionCode, tableID string) error
	ListTables(ctx context.Context, sessionCode string) ([]*tablemodel.Snapshot, error)
}

// CharacterStore persists player characters, keyed by character id alone,
// independently of any table or session code. The interface itself takes no
// session code; connmanager backs each session with its own store
// directory, so characters are not shared between sessions there.
type CharacterStore interface {
	SaveCharacter(ctx context.Context, c *Character) error
	LoadCharacter(ctx context.Context, characterID string) (*Character, error)
	DeleteCharacter(ctx context.Context, characterID string) error
	ListCharacters(ctx context.Context, ownerUserID string) ([]*Character, error)
}
