package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/idmap"
	"github.com/ptpm/legacy-sync/internal/mapping"
)

// EntityStatus is one entity's saved checkpoint.
type EntityStatus struct {
	Entity string            `json:"entity"`
	Cursor checkpoint.Cursor `json:"cursor"`
}

// StatusResult describes the persisted sync state without touching the
// source or the target.
type StatusResult struct {
	Mode      string                 `json:"mode"`
	Backend   string                 `json:"backend"`
	StatePath string                 `json:"statePath"`
	Entities  []EntityStatus         `json:"entities"`
	IDMaps    map[string]int         `json:"idMaps"`
	Runs      []checkpoint.RunRecord `json:"runs,omitempty"`
}

// GetStatus reads the checkpoints and id maps the given args would use.
func GetStatus(cfg *config.Config, args config.RunArgs) (*StatusResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	paths := cfg.Paths(args)
	state, err := openState(cfg, paths)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{}
	o.closers = append(o.closers, state.Close)
	defer o.Close()

	maps := idmap.Set{}
	if err := openIDMaps(cfg, paths, state, maps, o); err != nil {
		return nil, err
	}

	res := &StatusResult{
		Mode:    args.Mode(),
		Backend: cfg.Sync.StateBackend,
		IDMaps:  make(map[string]int, len(maps)),
	}
	switch st := state.(type) {
	case *checkpoint.FileState:
		res.StatePath = st.Path()
	default:
		res.StatePath = paths.SQLiteFile
	}

	snap := state.Snapshot()
	for _, name := range orderedNames(snap, priority(cfg)) {
		res.Entities = append(res.Entities, EntityStatus{Entity: name, Cursor: snap[name]})
	}
	for name, m := range maps {
		res.IDMaps[name] = m.Len()
	}

	if rec, ok := state.(checkpoint.RunRecorder); ok {
		runs, err := rec.RecentRuns(10)
		if err != nil {
			return nil, err
		}
		res.Runs = runs
	}
	return res, nil
}

// orderedNames lists snapshot entities in sync priority order, unknown
// entities last by name.
func orderedNames(snap map[string]checkpoint.Cursor, order []string) []string {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return names[i] < names[j]
	})
	return names
}

// Print writes the status as text.
func (s *StatusResult) Print(w io.Writer) {
	fmt.Fprintf(w, "State:   %s (%s, %s)\n", s.StatePath, s.Backend, s.Mode)

	if len(s.Entities) == 0 {
		fmt.Fprintln(w, "No checkpoints yet")
	} else {
		fmt.Fprintf(w, "\n%-24s %s\n", "Entity", "Checkpoint")
		fmt.Fprintln(w, strings.Repeat("-", 70))
		for _, e := range s.Entities {
			fmt.Fprintf(w, "%-24s %s\n", e.Entity, e.Cursor)
		}
	}

	names := make([]string, 0, len(s.IDMaps))
	for name := range s.IDMaps {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nID maps:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %d entries\n", name, s.IDMaps[name])
	}

	if len(s.Runs) > 0 {
		fmt.Fprintf(w, "\n%-38s %-8s %-20s %-22s %s\n", "Run", "Mode", "Started", "Status", "OK/Failed")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, r := range s.Runs {
			fmt.Fprintf(w, "%-38s %-8s %-20s %-22s %d/%d\n",
				r.ID, r.Mode, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Succeeded, r.Failed)
		}
	}
}

// ListMappings loads and validates every mapping document the args select,
// in sync order, without opening any connection.
func ListMappings(cfg *config.Config, args config.RunArgs) ([]*mapping.Mapping, error) {
	paths := cfg.Paths(args)
	engine := newCheckEngine()
	return mapping.LoadDir(paths.MappingDir, args.Entities, priority(cfg), engine)
}
