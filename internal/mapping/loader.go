package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPriority is the order dependent entities must run in: service
// providers and jobs populate the id maps that later entities look up.
var DefaultPriority = []string{"serviceProviders", "jobs", "inquiries"}

// LoadFile reads one mapping document (.json, .yaml or .yml).
func LoadFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping: %w", err)
	}

	var m Mapping
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("invalid mapping %s: unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing mapping %s: %w", path, err)
	}
	m.File = path
	return &m, nil
}

// LoadDir reads every mapping document in dir, keeps those whose entity is
// in entities (all when empty), validates them and returns them in priority
// order. Asking for an entity with no mapping is an error.
func LoadDir(dir string, entities []string, priority []string, checker Checker) ([]*Mapping, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mapping dir: %w", err)
	}

	want := make(map[string]bool, len(entities))
	for _, e := range entities {
		want[e] = true
	}

	byEntity := make(map[string]*Mapping)
	var out []*Mapping
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		m, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(want) > 0 && !want[m.Entity] {
			continue
		}
		if err := m.Validate(checker); err != nil {
			return nil, err
		}
		if prev, ok := byEntity[m.Entity]; ok {
			return nil, fmt.Errorf("invalid mapping %s: defined in both %s and %s", m.Entity, prev.File, m.File)
		}
		byEntity[m.Entity] = m
		out = append(out, m)
	}

	var missing []string
	for _, e := range entities {
		if byEntity[e] == nil {
			missing = append(missing, e)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("invalid mapping: no mapping document for %s in %s", strings.Join(missing, ", "), dir)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("invalid mapping: no mapping documents in %s", dir)
	}

	Order(out, priority)
	return out, nil
}

// Order sorts mappings in place: entities named in priority first, in that
// order, then the rest by entity name.
func Order(mappings []*Mapping, priority []string) {
	if priority == nil {
		priority = DefaultPriority
	}
	rank := make(map[string]int, len(priority))
	for i, e := range priority {
		rank[e] = i
	}
	sort.SliceStable(mappings, func(i, j int) bool {
		ri, iok := rank[mappings[i].Entity]
		rj, jok := rank[mappings[j].Entity]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return mappings[i].Entity < mappings[j].Entity
		}
	})
}
