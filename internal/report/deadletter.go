package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetter is one row that exhausted its upsert attempts.
type DeadLetter struct {
	Timestamp time.Time      `json:"ts"`
	Entity    string         `json:"entity"`
	Error     string         `json:"error"`
	Row       map[string]any `json:"row"`
	Payload   map[string]any `json:"payload"`
}

// DeadLetterWriter appends dead letters to <dir>/<entity>.jsonl. Files are
// only ever appended to.
type DeadLetterWriter struct {
	dir   string
	mu    sync.Mutex
	count map[string]int
}

// NewDeadLetterWriter writes under dir, creating it on first use.
func NewDeadLetterWriter(dir string) *DeadLetterWriter {
	return &DeadLetterWriter{dir: dir, count: make(map[string]int)}
}

// Path returns the dead-letter file of entity.
func (w *DeadLetterWriter) Path(entity string) string {
	return filepath.Join(w.dir, entity+".jsonl")
}

// Write appends one record.
func (w *DeadLetterWriter) Write(entity string, row, payload map[string]any, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	line, err := json.Marshal(DeadLetter{
		Timestamp: time.Now().UTC(),
		Entity:    entity,
		Error:     msg,
		Row:       row,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("creating dead-letter dir: %w", err)
	}
	f, err := os.OpenFile(w.Path(entity), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening dead-letter file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing dead letter: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing dead-letter file: %w", err)
	}
	w.count[entity]++
	return nil
}

// Count returns how many dead letters this writer appended for entity.
func (w *DeadLetterWriter) Count(entity string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count[entity]
}
