package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ptpm/legacy-sync/internal/idmap"
)

// FileState implements Store with a single JSON file:
//
//	{"entities": {"jobs": {"lastPk": 1200, "lastWatermark": "2024-03-01T10:00:00Z"}}}
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

type fileStateData struct {
	Entities map[string]Cursor `json:"entities"`
}

// NewFileState creates a file-based state store, loading the file if it exists.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{Entities: make(map[string]Cursor)},
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, fs.state); err != nil {
				return nil, fmt.Errorf("parsing state file %s: %w", path, err)
			}
		}
		if fs.state.Entities == nil {
			fs.state.Entities = make(map[string]Cursor)
		}
	}

	return fs, nil
}

// Get returns the entity's cursor, or the zero cursor if it never advanced.
func (fs *FileState) Get(entity string) Cursor {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.state.Entities[entity]
}

// Advance records the entity's new cursor and rewrites the file.
func (fs *FileState) Advance(entity string, c Cursor) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prev, had := fs.state.Entities[entity]
	fs.state.Entities[entity] = c
	if err := fs.save(); err != nil {
		if had {
			fs.state.Entities[entity] = prev
		} else {
			delete(fs.state.Entities, entity)
		}
		return err
	}
	return nil
}

// Snapshot returns a copy of every entity cursor.
func (fs *FileState) Snapshot() map[string]Cursor {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[string]Cursor, len(fs.state.Entities))
	for k, v := range fs.state.Entities {
		out[k] = v
	}
	return out
}

// Path returns the state file location.
func (fs *FileState) Path() string {
	return fs.path
}

// Close is a no-op; every Advance is already on disk.
func (fs *FileState) Close() error {
	return nil
}

func (fs *FileState) save() error {
	data, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := idmap.WriteFileAtomic(fs.path, data); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}
