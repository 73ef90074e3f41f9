// Package report builds the per-run JSON report and the dead-letter files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/idmap"
	"github.com/ptpm/legacy-sync/internal/materialize"
	"github.com/ptpm/legacy-sync/internal/transform"
)

// MaxDryRunSamples bounds the example payloads kept per entity in dry-run.
const MaxDryRunSamples = 3

// EntityReport is the outcome of one entity in one run.
type EntityReport struct {
	Entity            string                `json:"entity"`
	Extracted         int                   `json:"extracted"`
	AttemptedUpserts  int                   `json:"attemptedUpserts"`
	SuccessfulUpserts int                   `json:"successfulUpserts"`
	FailedUpserts     int                   `json:"failedUpserts"`
	Created           int                   `json:"created"`
	Updated           int                   `json:"updated"`
	Batches           int                   `json:"batches"`
	FirstCursor       checkpoint.Cursor     `json:"firstCursor"`
	LastCursor        checkpoint.Cursor     `json:"lastCursor"`
	Halted            bool                  `json:"halted"`
	HaltReason        string                `json:"haltReason,omitempty"`
	Audit             *transform.Audit      `json:"audit"`
	Activities        *materialize.Counters `json:"activities,omitempty"`
	DryRunSamples     []map[string]any      `json:"dryRunSamples,omitempty"`
	DeadLetterFile    string                `json:"deadLetterFile,omitempty"`
	DeadLetters       int                   `json:"deadLetters,omitempty"`
	Duration          string                `json:"duration"`
}

// NewEntityReport starts a report for entity at cursor from.
func NewEntityReport(entity string, from checkpoint.Cursor) *EntityReport {
	return &EntityReport{
		Entity:      entity,
		FirstCursor: from,
		LastCursor:  from,
		Audit:       transform.NewAudit(),
	}
}

// AddSample keeps payload as a dry-run example while there is room.
func (e *EntityReport) AddSample(payload map[string]any) {
	if len(e.DryRunSamples) < MaxDryRunSamples {
		e.DryRunSamples = append(e.DryRunSamples, payload)
	}
}

// Halt marks the entity as stopped early.
func (e *EntityReport) Halt(reason string) {
	e.Halted = true
	e.HaltReason = reason
}

// Window is the timestamp clamp a run was invoked with.
type Window struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// Totals sums the entity reports.
type Totals struct {
	Extracted         int `json:"extracted"`
	AttemptedUpserts  int `json:"attemptedUpserts"`
	SuccessfulUpserts int `json:"successfulUpserts"`
	FailedUpserts     int `json:"failedUpserts"`
	HaltedEntities    int `json:"haltedEntities"`
	AuditAnomalies    int `json:"auditAnomalies"`
}

// RunReport is written once per invocation.
type RunReport struct {
	RunID      string          `json:"runId"`
	Mode       string          `json:"mode"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Window     Window          `json:"window"`
	Entities   []*EntityReport `json:"entities"`
	Totals     Totals          `json:"totals"`
	IDMaps     map[string]int  `json:"idMaps,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Finish stamps the finish time and recomputes totals.
func (r *RunReport) Finish() {
	r.FinishedAt = time.Now().UTC()
	r.Totals = Totals{}
	for _, e := range r.Entities {
		r.Totals.Extracted += e.Extracted
		r.Totals.AttemptedUpserts += e.AttemptedUpserts
		r.Totals.SuccessfulUpserts += e.SuccessfulUpserts
		r.Totals.FailedUpserts += e.FailedUpserts
		r.Totals.AuditAnomalies += e.Audit.Total()
		if e.Halted {
			r.Totals.HaltedEntities++
		}
	}
}

// RecordIDMaps notes the size of each id map at the end of the run.
func (r *RunReport) RecordIDMaps(maps idmap.Set) {
	r.IDMaps = make(map[string]int, len(maps))
	for name, m := range maps {
		r.IDMaps[name] = m.Len()
	}
}

// HasFailures reports whether any row failed or any entity halted.
func (r *RunReport) HasFailures() bool {
	return r.Totals.FailedUpserts > 0 || r.Totals.HaltedEntities > 0
}

// FileName is the report's file name, unique per start time.
func (r *RunReport) FileName() string {
	return fmt.Sprintf("sync-report-%s.json", r.StartedAt.UTC().Format("20060102T150405.000Z"))
}

// Write saves the report under dir and returns its path.
func (r *RunReport) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	path := filepath.Join(dir, r.FileName())
	if err := idmap.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
