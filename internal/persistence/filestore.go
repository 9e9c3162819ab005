package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"vttcore/internal/tablemodel"
	"vttcore/pkg/utils"
)

// FileStore is a simple on-disk TableStore/CharacterStore implementation for
// local development and tests. Writes use a temp-file-and-rename discipline
// so a crash mid-write never leaves a torn file, the same discipline the
// asset registry uses for its own file.
//
// Every table snapshot JSON write is also mirrored to a human-inspectable
// .yaml sidecar via gopkg.in/yaml.v3, for easy local inspection during
// development. Characters are stored as JSON only.
type FileStore struct {
	root string
	mu   sync.Mutex
}

var (
	_ TableStore     = (*FileStore)(nil)
	_ CharacterStore = (*FileStore)(nil)
)

// NewFileStore creates a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.Wrap(err, "create persistence root")
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) tablePath(sessionCode, tableID, ext string) string {
	return filepath.Join(s.root, "tables", sessionCode, tableID+"."+ext)
}

func (s *FileStore) characterPath(characterID, ext string) string {
	return filepath.Join(s.root, "characters", characterID+"."+ext)
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) SaveTable(_ context.Context, sessionCode string, snap *tablemodel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jsonBytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return utils.Wrap(err, "marshal table snapshot")
	}
	if err := atomicWrite(s.tablePath(sessionCode, snap.TableID, "json"), jsonBytes); err != nil {
		return utils.Wrap(err, "write table snapshot")
	}

	yamlBytes, err := yaml.Marshal(snap)
	if err != nil {
		return utils.Wrap(err, "marshal table snapshot as yaml")
	}
	if err := atomicWrite(s.tablePath(sessionCode, snap.TableID, "yaml"), yamlBytes); err != nil {
		return utils.Wrap(err, "write table snapshot sidecar")
	}
	return nil
}

func (s *FileStore) LoadTable(_ context.Context, sessionCode, tableID string) (*tablemodel.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tablePath(sessionCode, tableID, "json"))
	if err != nil {
		return nil, utils.Wrap(err, "read table snapshot")
	}
	var snap tablemodel.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, utils.Wrap(err, "unmarshal table snapshot")
	}
	return &snap, nil
}

func (s *FileStore) DeleteTable(_ context.Context, sessionCode, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ext := range []string{"json", "yaml"} {
		path := s.tablePath(sessionCode, tableID, ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return utils.Wrap(err, fmt.Sprintf("delete table %s", ext))
		}
	}
	return nil
}

func (s *FileStore) ListTables(_ context.Context, sessionCode string) ([]*tablemodel.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "tables", sessionCode)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, utils.Wrap(err, "list tables")
	}
	var out []*tablemodel.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var snap tablemodel.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

func (s *FileStore) SaveCharacter(_ context.Context, c *Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return utils.Wrap(err, "marshal character")
	}
	return atomicWrite(s.characterPath(c.CharacterID, "json"), data)
}

func (s *FileStore) LoadCharacter(_ context.Context, characterID string) (*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.characterPath(characterID, "json"))
	if err != nil {
		return nil, utils.Wrap(err, "read character")
	}
	var c Character
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, utils.Wrap(err, "unmarshal character")
	}
	return &c, nil
}

func (s *FileStore) DeleteCharacter(_ context.Context, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.characterPath(characterID, "json"))
	if err != nil && !os.IsNotExist(err) {
		return utils.Wrap(err, "delete character")
	}
	return nil
}

func (s *FileStore) ListCharacters(_ context.Context, ownerUserID string) ([]*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "characters")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, utils.Wrap(err, "list characters")
	}
	var out []*Character
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var c Character
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		if ownerUserID == "" || c.OwnerUserID == ownerUserID {
			out = append(out, &c)
		}
	}
	return out, nil
}
