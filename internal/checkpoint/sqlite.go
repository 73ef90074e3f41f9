package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ptpm/legacy-sync/internal/idmap"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps cursors, id maps and run history in one SQLite file.
// It is the alternative to the JSON files for hosts that run the sync on a
// schedule and want history.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	mu      sync.RWMutex
	cursors map[string]Cursor
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, cursors: make(map[string]Cursor)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state schema: %w", err)
	}
	if err := s.loadCursors(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_state (
		entity TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS id_map (
		map_name TEXT NOT NULL,
		legacy_id TEXT NOT NULL,
		target_id INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (map_name, legacy_id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		report_path TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadCursors() error {
	rows, err := s.db.Query(`SELECT entity, cursor FROM sync_state`)
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entity, raw string
		if err := rows.Scan(&entity, &raw); err != nil {
			return fmt.Errorf("reading state: %w", err)
		}
		var c Cursor
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return fmt.Errorf("parsing state for %s: %w", entity, err)
		}
		s.cursors[entity] = c
	}
	return rows.Err()
}

// Get returns the entity's cursor, or the zero cursor if it never advanced.
func (s *SQLiteStore) Get(entity string) Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[entity]
}

// Advance upserts the entity's cursor.
func (s *SQLiteStore) Advance(entity string, c Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sync_state (entity, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, entity, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", entity, err)
	}
	s.cursors[entity] = c
	return nil
}

// Snapshot returns a copy of every entity cursor.
func (s *SQLiteStore) Snapshot() map[string]Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Cursor, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordRun stores a finished run's summary.
func (s *SQLiteStore) RecordRun(r RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, started_at, finished_at, succeeded, failed, status, report_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			status = excluded.status,
			report_path = excluded.report_path
	`, r.ID, r.Mode, r.StartedAt.UTC().Format(time.RFC3339), r.FinishedAt.UTC().Format(time.RFC3339),
		r.Succeeded, r.Failed, r.Status, r.ReportPath)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, started_at, finished_at, succeeded, failed, status, COALESCE(report_path, '')
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Mode, &started, &finished, &r.Succeeded, &r.Failed, &r.Status, &r.ReportPath); err != nil {
			return nil, fmt.Errorf("reading run history: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// IDMap returns the named id map stored in this database.
func (s *SQLiteStore) IDMap(name string) (idmap.Map, error) {
	m := &sqliteIDMap{db: s.db, name: name, entries: make(map[string]int64)}

	rows, err := s.db.Query(`SELECT legacy_id, target_id FROM id_map WHERE map_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("reading id map %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var legacy string
		var id int64
		if err := rows.Scan(&legacy, &id); err != nil {
			return nil, fmt.Errorf("reading id map %s: %w", name, err)
		}
		m.entries[legacy] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading id map %s: %w", name, err)
	}
	return m, nil
}

type sqliteIDMap struct {
	db      *sql.DB
	name    string
	mu      sync.RWMutex
	entries map[string]int64
}

func (m *sqliteIDMap) Lookup(legacy string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[legacy]
	return id, ok
}

func (m *sqliteIDMap) Set(legacy string, id int64) error {
	if legacy == "" {
		return fmt.Errorf("id map %s: empty legacy id", m.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[legacy]; ok && prev == id {
		return nil
	}
	_, err := m.db.Exec(`
		INSERT INTO id_map (map_name, legacy_id, target_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(map_name, legacy_id) DO UPDATE SET
			target_id = excluded.target_id,
			updated_at = excluded.updated_at
	`, m.name, legacy, id, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving id map %s: %w", m.name, err)
	}
	m.entries[legacy] = id
	return nil
}

func (m *sqliteIDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
