package notify

import (
	"time"

	"github.com/ptpm/legacy-sync/internal/report"
)

// Provider is the notification contract for sync runs.
type Provider interface {
	RunStarted(runID, mode string, entities []string) error
	RunCompleted(r *report.RunReport) error
	RunCompletedWithErrors(r *report.RunReport) error
	RunFailed(runID string, err error, duration time.Duration) error
	EntityHalted(runID, entity, reason string) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
