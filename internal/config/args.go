package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RunArgs are the per-invocation options given on the command line.
type RunArgs struct {
	DryRun     bool
	Write      bool
	Entities   []string
	From       *time.Time
	To         *time.Time
	BatchSize  int
	MaxBatches int
	StateFile  string
	MappingDir string
	Strict     bool
}

// Validate checks flag combinations. Dry-run is the default when neither
// mode was requested.
func (a *RunArgs) Validate() error {
	if a.Write && a.DryRun {
		return fmt.Errorf("invalid arguments: --write and --dry-run are mutually exclusive")
	}
	if !a.Write {
		a.DryRun = true
	}
	if a.BatchSize < 0 {
		return fmt.Errorf("invalid arguments: --batch-size must be positive, got %d", a.BatchSize)
	}
	if a.MaxBatches < 0 {
		return fmt.Errorf("invalid arguments: --max-batches must not be negative, got %d", a.MaxBatches)
	}
	if a.From != nil && a.To != nil && !a.From.Before(*a.To) {
		return fmt.Errorf("invalid arguments: --from (%s) must be before --to (%s)",
			a.From.Format(time.RFC3339), a.To.Format(time.RFC3339))
	}
	return nil
}

// Mode returns "write" or "dry-run".
func (a RunArgs) Mode() string {
	if a.Write {
		return "write"
	}
	return "dry-run"
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses an ISO-8601 date or timestamp. Values without a zone are UTC.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid arguments: %q is not an ISO-8601 date", s)
}

// ParseEntities splits a comma-separated entity list, dropping blanks.
func ParseEntities(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Paths are the resolved file locations for one run.
type Paths struct {
	MappingDir    string
	StateFile     string
	SQLiteFile    string
	IDMapDB       string // sqlite backend; shared by dry and write runs
	IDMapDir      string
	DeadLetterDir string
	ReportDir     string
}

// IDMapFile returns the JSON file backing the named id map.
func (p Paths) IDMapFile(name string) string {
	return filepath.Join(p.IDMapDir, name+".json")
}

// Paths resolves state, id-map, dead-letter and report locations under
// sync.data_dir unless overridden by args. Dry runs get their own cursor
// file so a rehearsal never moves the real checkpoint.
func (c *Config) Paths(args RunArgs) Paths {
	dir := c.Sync.DataDir
	p := Paths{
		MappingDir:    c.Sync.MappingDir,
		StateFile:     filepath.Join(dir, "state.json"),
		SQLiteFile:    filepath.Join(dir, "sync.db"),
		IDMapDB:       filepath.Join(dir, "sync.db"),
		IDMapDir:      filepath.Join(dir, "id-maps"),
		DeadLetterDir: filepath.Join(dir, "dead-letters"),
		ReportDir:     filepath.Join(dir, "reports"),
	}
	if !args.Write {
		p.StateFile = filepath.Join(dir, "state.dry-run.json")
		p.SQLiteFile = filepath.Join(dir, "sync.dry-run.db")
	}
	if args.StateFile != "" {
		p.StateFile = expandTilde(args.StateFile)
		p.SQLiteFile = p.StateFile
	}
	if args.MappingDir != "" {
		p.MappingDir = expandTilde(args.MappingDir)
	}
	return p
}

// BatchSize returns the effective batch size: flag, then config/env.
func (c *Config) BatchSize(args RunArgs) int {
	if args.BatchSize > 0 {
		return args.BatchSize
	}
	return c.Sync.BatchSize
}

// MaxBatches returns the effective batch limit: flag, then config/env. 0 means unlimited.
func (c *Config) MaxBatches(args RunArgs) int {
	if args.MaxBatches > 0 {
		return args.MaxBatches
	}
	return c.Sync.MaxBatches
}
