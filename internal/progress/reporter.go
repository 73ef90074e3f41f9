package progress

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ptpm/legacy-sync/internal/logging"
)

// ProgressUpdate is a JSON progress line for schedulers that scrape stderr.
type ProgressUpdate struct {
	Timestamp        string  `json:"timestamp"`
	Phase            string  `json:"phase"`
	RunID            string  `json:"run_id,omitempty"`
	Entity           string  `json:"entity,omitempty"`
	EntitiesComplete int     `json:"entities_complete"`
	EntitiesTotal    int     `json:"entities_total"`
	Batches          int     `json:"batches"`
	RowsExtracted    int64   `json:"rows_extracted"`
	RowsWritten      int64   `json:"rows_written"`
	RowsFailed       int64   `json:"rows_failed,omitempty"`
	RowsPerSecond    float64 `json:"rows_per_second,omitempty"`
}

// Reporter receives run progress.
type Reporter interface {
	// Report may drop the update when called too often.
	Report(update ProgressUpdate)
	// ReportImmediate always emits; used for phase changes.
	ReportImmediate(update ProgressUpdate)
	Close()
}

// JSONReporter writes one JSON object per line.
type JSONReporter struct {
	mu         sync.Mutex
	enc        *json.Encoder
	interval   time.Duration
	started    time.Time
	lastReport time.Time
	closed     bool
}

// NewJSONReporter writes to w (stderr when nil), at most one throttled
// update per interval.
func NewJSONReporter(w io.Writer, interval time.Duration) *JSONReporter {
	if w == nil {
		w = os.Stderr
	}
	return &JSONReporter{enc: json.NewEncoder(w), interval: interval, started: time.Now()}
}

func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.emit(update, now)
}

func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(update, time.Now())
}

// emit must be called with mu held.
func (r *JSONReporter) emit(update ProgressUpdate, now time.Time) {
	if r.closed {
		return
	}
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if update.RowsPerSecond == 0 && update.RowsExtracted > 0 {
		if elapsed := now.Sub(r.started).Seconds(); elapsed > 0 {
			update.RowsPerSecond = float64(update.RowsExtracted) / elapsed
		}
	}
	if err := r.enc.Encode(update); err != nil {
		logging.Warn("Failed to write progress update: %v", err)
		return
	}
	r.lastReport = now
}

// Close stops all further output.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter discards updates.
type NullReporter struct{}

func (NullReporter) Report(ProgressUpdate)          {}
func (NullReporter) ReportImmediate(ProgressUpdate) {}
func (NullReporter) Close()                         {}
