// Package orchestrator runs the entity sync loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/exitcodes"
	"github.com/ptpm/legacy-sync/internal/idmap"
	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/mapping"
	"github.com/ptpm/legacy-sync/internal/materialize"
	"github.com/ptpm/legacy-sync/internal/notify"
	"github.com/ptpm/legacy-sync/internal/progress"
	"github.com/ptpm/legacy-sync/internal/report"
	"github.com/ptpm/legacy-sync/internal/source"
	"github.com/ptpm/legacy-sync/internal/target"
	"github.com/ptpm/legacy-sync/internal/transform"
	"github.com/ptpm/legacy-sync/internal/upsert"
)

// jobsEntity is the entity whose rows imply activities.
const jobsEntity = "jobs"

// Deps are the collaborators a run uses. Target may be nil in dry-run.
type Deps struct {
	Source      source.BatchSource
	Target      target.Doer
	State       checkpoint.Store
	IDMaps      idmap.Set
	Mappings    []*mapping.Mapping
	Engine      *transform.Engine
	DeadLetters *report.DeadLetterWriter
	Notifier    notify.Provider
	Progress    *progress.Tracker
	Reporter    progress.Reporter
}

// Orchestrator syncs entities one after another, one batch at a time.
type Orchestrator struct {
	config     *config.Config
	args       config.RunArgs
	paths      config.Paths
	deps       Deps
	upserter   *upsert.Engine
	activities *materialize.Materializer
	closers    []func() error

	// stateErr is the first checkpoint write failure of the run.
	stateErr error
}

// New creates an orchestrator over explicit dependencies.
func New(cfg *config.Config, args config.RunArgs, deps Deps) (*Orchestrator, error) {
	if err := args.Validate(); err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if deps.Source == nil || deps.State == nil {
		return nil, fmt.Errorf("orchestrator: source and state are required")
	}
	if args.Write && deps.Target == nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("invalid config: write mode needs a GraphQL target"), exitcodes.ConfigError)
	}
	if deps.IDMaps == nil {
		deps.IDMaps = idmap.Set{}
	}
	if deps.Engine == nil {
		deps.Engine = transform.NewEngine(nil, idmap.NewResolver(deps.IDMaps.For(idmap.Job), deps.IDMaps.For(idmap.ServiceProvider)))
	}
	paths := cfg.Paths(args)
	if deps.DeadLetters == nil {
		deps.DeadLetters = report.NewDeadLetterWriter(paths.DeadLetterDir)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(&cfg.Slack)
	}
	if deps.Progress == nil {
		deps.Progress = progress.New(nil)
	}
	if deps.Reporter == nil {
		deps.Reporter = progress.NullReporter{}
	}

	o := &Orchestrator{config: cfg, args: args, paths: paths, deps: deps}
	if deps.Target != nil {
		o.upserter = upsert.New(deps.Target, cfg.Sync.MaxRetries, cfg.Sync.RetryDelay)
	}
	if cfg.Activity.IsEnabled() {
		o.activities = materialize.New(deps.Target, cfg.Activity, !args.Write)
	}
	return o, nil
}

// SetReporter replaces the JSON progress reporter.
func (o *Orchestrator) SetReporter(r progress.Reporter) {
	o.deps.Reporter = r
}

// Close releases resources opened by Open.
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			logging.Warn("Closing resource: %v", err)
		}
	}
	o.closers = nil
}

// Mappings returns the entities this orchestrator syncs, in order.
func (o *Orchestrator) Mappings() []*mapping.Mapping {
	return o.deps.Mappings
}

// Run syncs every entity and writes the run report. Row failures only turn
// into an error in strict mode.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunReport, error) {
	runID := uuid.New().String()
	mode := o.args.Mode()
	rep := &report.RunReport{
		RunID:     runID,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Window:    report.Window{From: o.args.From, To: o.args.To},
	}

	entities := make([]string, len(o.deps.Mappings))
	for i, m := range o.deps.Mappings {
		entities[i] = m.Entity
	}
	logging.Info("Starting %s run %s: %s", mode, runID, strings.Join(entities, ", "))
	if err := o.deps.Notifier.RunStarted(runID, mode, entities); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
	o.deps.Reporter.ReportImmediate(progress.ProgressUpdate{Phase: "starting", RunID: runID, EntitiesTotal: len(entities)})

	for i, m := range o.deps.Mappings {
		if ctx.Err() != nil {
			break
		}
		er := o.runEntity(ctx, runID, m)
		rep.Entities = append(rep.Entities, er)
		o.deps.Reporter.ReportImmediate(progress.ProgressUpdate{
			Phase: "entity_complete", RunID: runID, Entity: m.Entity,
			EntitiesComplete: i + 1, EntitiesTotal: len(entities), Batches: er.Batches,
			RowsExtracted: int64(er.Extracted), RowsWritten: int64(er.SuccessfulUpserts), RowsFailed: int64(er.FailedUpserts),
		})
	}

	rep.RecordIDMaps(o.deps.IDMaps)
	rep.Finish()

	reportPath, writeErr := rep.Write(o.paths.ReportDir)
	if writeErr != nil {
		logging.Error("Writing run report: %v", writeErr)
	} else {
		logging.Info("Report written to %s", reportPath)
	}

	runErr := o.result(ctx, rep, writeErr)
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	o.recordRun(rep, reportPath, runErr)
	o.notifyResult(rep, runErr)
	o.deps.Reporter.ReportImmediate(progress.ProgressUpdate{
		Phase: "complete", RunID: runID, EntitiesComplete: len(rep.Entities), EntitiesTotal: len(entities),
		RowsExtracted: int64(rep.Totals.Extracted), RowsWritten: int64(rep.Totals.SuccessfulUpserts), RowsFailed: int64(rep.Totals.FailedUpserts),
	})
	return rep, runErr
}

func (o *Orchestrator) result(ctx context.Context, rep *report.RunReport, writeErr error) error {
	switch {
	case ctx.Err() != nil:
		return exitcodes.NewExitError(fmt.Errorf("run %s interrupted: %w", rep.RunID, ctx.Err()), exitcodes.Cancelled)
	case o.stateErr != nil:
		return exitcodes.NewExitError(o.stateErr, exitcodes.StateError)
	case writeErr != nil:
		return exitcodes.NewExitError(writeErr, exitcodes.IOError)
	case o.args.Strict && rep.HasFailures():
		return exitcodes.NewExitError(fmt.Errorf("%d rows failed, %d entities halted",
			rep.Totals.FailedUpserts, rep.Totals.HaltedEntities), exitcodes.PartialFailure)
	}
	return nil
}

func (o *Orchestrator) recordRun(rep *report.RunReport, reportPath string, runErr error) {
	rec, ok := o.deps.State.(checkpoint.RunRecorder)
	if !ok {
		return
	}
	status := "completed"
	switch {
	case runErr != nil:
		status = "failed"
	case rep.HasFailures():
		status = "completed_with_errors"
	}
	err := rec.RecordRun(checkpoint.RunRecord{
		ID:         rep.RunID,
		Mode:       rep.Mode,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Succeeded:  rep.Totals.SuccessfulUpserts,
		Failed:     rep.Totals.FailedUpserts,
		Status:     status,
		ReportPath: reportPath,
	})
	if err != nil {
		logging.Warn("Recording run history: %v", err)
	}
}

func (o *Orchestrator) notifyResult(rep *report.RunReport, runErr error) {
	var err error
	switch {
	case runErr != nil:
		err = o.deps.Notifier.RunFailed(rep.RunID, runErr, rep.FinishedAt.Sub(rep.StartedAt))
	case rep.HasFailures():
		err = o.deps.Notifier.RunCompletedWithErrors(rep)
	default:
		err = o.deps.Notifier.RunCompleted(rep)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

// runEntity pages through one entity until the source is exhausted, the
// batch limit is reached, or a batch fails.
func (o *Orchestrator) runEntity(ctx context.Context, runID string, m *mapping.Mapping) *report.EntityReport {
	start := time.Now()
	cursor := o.deps.State.Get(m.Entity)
	er := report.NewEntityReport(m.Entity, cursor)
	if m.Entity == jobsEntity && o.activities != nil {
		er.Activities = &materialize.Counters{}
	}
	defer func() { er.Duration = time.Since(start).Round(time.Millisecond).String() }()

	batchSize := o.config.BatchSize(o.args)
	maxBatches := o.config.MaxBatches(o.args)
	var window source.Window
	if m.Source.Watermark.IsTimestamp() {
		window = source.Window{From: o.args.From, To: o.args.To}
	}

	logging.Info("[%s] starting at %s (batch size %d)", m.Entity, cursor, batchSize)
	limit := int64(-1)
	if maxBatches > 0 {
		limit = int64(maxBatches * batchSize)
	}
	o.deps.Progress.StartEntity(m.Entity, limit)
	defer o.deps.Progress.EndEntity()

	for maxBatches == 0 || er.Batches < maxBatches {
		if ctx.Err() != nil {
			er.Halt("cancelled")
			break
		}

		batch, err := o.deps.Source.FetchBatch(ctx, m, window, cursor, batchSize)
		if err != nil {
			o.halt(runID, er, fmt.Sprintf("fetching batch after %s: %v", cursor, err))
			break
		}
		if batch.Len() == 0 {
			break
		}
		er.Batches++
		er.Extracted += batch.Len()

		failed, err := o.processBatch(ctx, m, batch, er)
		if err != nil {
			er.Halt("cancelled")
			break
		}
		if failed > 0 {
			o.halt(runID, er, fmt.Sprintf("%d of %d rows failed in batch %d; checkpoint stays at %s",
				failed, batch.Len(), er.Batches, cursor))
			break
		}

		next := batch.NextCursor(cursor)
		if err := o.deps.State.Advance(m.Entity, next); err != nil {
			if o.stateErr == nil {
				o.stateErr = fmt.Errorf("%s: %w", m.Entity, err)
			}
			o.halt(runID, er, fmt.Sprintf("saving checkpoint: %v", err))
			break
		}
		cursor = next
		er.LastCursor = cursor
		if o.deps.Progress.Enabled() {
			logging.Debug("[%s] batch %d: %d rows, checkpoint %s", m.Entity, er.Batches, batch.Len(), cursor)
		} else {
			logging.Info("[%s] batch %d: %d rows (%d so far), checkpoint %s",
				m.Entity, er.Batches, batch.Len(), o.deps.Progress.Current(), cursor)
		}

		o.deps.Reporter.Report(progress.ProgressUpdate{
			Phase: "syncing", RunID: runID, Entity: m.Entity, Batches: er.Batches,
			RowsExtracted: int64(er.Extracted), RowsWritten: int64(er.SuccessfulUpserts),
		})

		if batch.Len() < batchSize {
			break
		}
	}

	logging.Info("[%s] extracted %d, upserted %d/%d (%d created, %d updated), %d anomalies",
		m.Entity, er.Extracted, er.SuccessfulUpserts, er.AttemptedUpserts, er.Created, er.Updated, er.Audit.Total())
	if er.DeadLetters = o.deps.DeadLetters.Count(m.Entity); er.DeadLetters > 0 {
		logging.Warn("[%s] %d rows dead-lettered to %s", m.Entity, er.DeadLetters, er.DeadLetterFile)
	}
	return er
}

func (o *Orchestrator) halt(runID string, er *report.EntityReport, reason string) {
	er.Halt(reason)
	logging.Warn("[%s] halted: %s", er.Entity, reason)
	if err := o.deps.Notifier.EntityHalted(runID, er.Entity, reason); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

// processBatch writes every row of the batch and returns how many failed.
// Only cancellation is returned as an error; the row in flight finishes
// first.
func (o *Orchestrator) processBatch(ctx context.Context, m *mapping.Mapping, batch *source.Batch, er *report.EntityReport) (int, error) {
	failed := 0
	for i, row := range batch.Rows {
		if err := ctx.Err(); err != nil {
			return failed, err
		}

		legacyID := row[m.Idempotency.SourceIDField]
		if m.Idempotency.SourceIDField == "" || legacyID == nil {
			legacyID = batch.Positions[i].LastPK
		}

		payload := o.deps.Engine.BuildPayload(row, m, er.Audit)

		if !o.args.Write {
			er.AddSample(payload)
			if er.Activities != nil {
				o.activities.Materialize(ctx, row, 0, legacyID, er.Activities)
			}
			o.deps.Progress.Add(1)
			continue
		}

		er.AttemptedUpserts++
		res, err := o.upserter.Upsert(ctx, m, payload)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return failed, err
			}
			failed++
			er.FailedUpserts++
			logging.Warn("[%s] row %v failed: %v", m.Entity, legacyID, err)
			if dlErr := o.deps.DeadLetters.Write(m.Entity, row, payload, err); dlErr != nil {
				logging.Error("[%s] writing dead letter for %v: %v", m.Entity, legacyID, dlErr)
			} else {
				er.DeadLetterFile = o.deps.DeadLetters.Path(m.Entity)
			}
			o.deps.Progress.Add(1)
			continue
		}

		er.SuccessfulUpserts++
		if res.Op == upsert.OpUpdate {
			er.Updated++
		} else {
			er.Created++
		}
		logging.Debug("[%s] row %v: %s id=%d (attempt %d)", m.Entity, legacyID, res.Op, res.ID, res.Attempts)

		if res.HasID {
			if idm := o.deps.IDMaps.For(m.IDMap); idm != nil {
				if key := idmap.Key(legacyID); key != "" {
					if err := idm.Set(key, res.ID); err != nil {
						logging.Warn("[%s] recording id map %s for %v: %v", m.Entity, m.IDMap, legacyID, err)
					}
				}
			}
			if er.Activities != nil {
				o.activities.Materialize(ctx, row, res.ID, legacyID, er.Activities)
			}
		}
		o.deps.Progress.Add(1)
	}
	return failed, nil
}
