// Package idmap records which target record each migrated legacy row became,
// so later entities can rewrite their legacy foreign keys.
package idmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Map names used by mappings' idMap field.
const (
	Job             = "job"
	ServiceProvider = "serviceProvider"
)

// Lookup names used in field rules.
const (
	LookupJob             = "legacyJobIdToTargetJobId"
	LookupServiceProvider = "legacyServiceProviderIdToTargetServiceProviderId"
)

// Map is a persistent legacy id -> target id dictionary. Entries are only
// ever added or overwritten, never removed.
type Map interface {
	Lookup(legacy string) (int64, bool)
	// Set records an entry and persists it before returning.
	Set(legacy string, id int64) error
	Len() int
}

// Key renders a legacy id the way it is stored: integers without a decimal
// point, text trimmed.
func Key(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(k)
	case []byte:
		return strings.TrimSpace(string(k))
	case float64:
		if k == math.Trunc(k) && !math.IsInf(k, 0) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case float32:
		return Key(float64(k))
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// FileMap is a Map backed by a JSON object file, rewritten atomically on
// every Set.
type FileMap struct {
	path    string
	mu      sync.RWMutex
	entries map[string]int64
}

// OpenFile loads the map at path; a missing file is an empty map.
func OpenFile(path string) (*FileMap, error) {
	m := &FileMap{path: path, entries: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading id map %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("parsing id map %s: %w", path, err)
	}
	return m, nil
}

// Lookup returns the target id recorded for legacy.
func (m *FileMap) Lookup(legacy string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[legacy]
	return id, ok
}

// Set records legacy -> id and rewrites the file. Setting an identical
// entry does not touch the disk.
func (m *FileMap) Set(legacy string, id int64) error {
	if legacy == "" {
		return fmt.Errorf("id map %s: empty legacy id", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.entries[legacy]
	if had && prev == id {
		return nil
	}
	m.entries[legacy] = id
	if err := m.save(); err != nil {
		if had {
			m.entries[legacy] = prev
		} else {
			delete(m.entries, legacy)
		}
		return err
	}
	return nil
}

// Len returns the number of entries.
func (m *FileMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *FileMap) save() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling id map: %w", err)
	}
	return WriteFileAtomic(m.path, data)
}

// WriteFileAtomic writes data to a temp file beside path and renames it over
// path, so a crash leaves either the old or the new contents.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Resolver serves the field-rule lookups from a set of named maps.
type Resolver struct {
	lookups map[string]Map
}

// NewResolver wires the standard lookups to the given maps. Either may be nil.
func NewResolver(jobs, serviceProviders Map) *Resolver {
	r := &Resolver{lookups: make(map[string]Map)}
	if jobs != nil {
		r.lookups[LookupJob] = jobs
	}
	if serviceProviders != nil {
		r.lookups[LookupServiceProvider] = serviceProviders
	}
	return r
}

// HasLookup reports whether name is served.
func (r *Resolver) HasLookup(name string) bool {
	_, ok := r.lookups[name]
	return ok
}

// Resolve maps a raw legacy foreign key through the named lookup.
func (r *Resolver) Resolve(name string, legacy any) (int64, bool) {
	m, ok := r.lookups[name]
	if !ok {
		return 0, false
	}
	key := Key(legacy)
	if key == "" {
		return 0, false
	}
	return m.Lookup(key)
}

// Set is the collection of maps an orchestrated run writes to, keyed by the
// mapping idMap name.
type Set map[string]Map

// For returns the map named by a mapping's idMap field, or nil.
func (s Set) For(name string) Map {
	if name == "" {
		return nil
	}
	return s[name]
}
