package checkpoint

import (
	"fmt"
	"time"
)

// Store persists one cursor per entity. Advance must be durable before it
// returns: it is the only record of how far a run got.
type Store interface {
	Get(entity string) Cursor
	Advance(entity string, c Cursor) error
	Snapshot() map[string]Cursor
	Close() error
}

// RunRecord summarizes one finished invocation.
type RunRecord struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Status     string    `json:"status"`
	ReportPath string    `json:"reportPath,omitempty"`
}

// RunRecorder is implemented by backends that keep run history.
type RunRecorder interface {
	RecordRun(r RunRecord) error
	RecentRuns(limit int) ([]RunRecord, error)
}

// Open returns the state backend named by kind ("file" or "sqlite").
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileState(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}

var (
	_ Store       = (*FileState)(nil)
	_ Store       = (*SQLiteStore)(nil)
	_ RunRecorder = (*SQLiteStore)(nil)
)
