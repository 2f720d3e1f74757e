// Package runlog records every sync run and answers the UI's "last attempt"
// queries.
package runlog

import (
	"context"
	"time"

	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

// staleRunMessage finalizes runs interrupted by an unclean shutdown.
const staleRunMessage = "interrupted by unclean shutdown"

type Service struct {
	runs storage.SyncRunStore
	log  *logger.Logger
}

func NewService(runs storage.SyncRunStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("runlog")
	}
	return &Service{runs: runs, log: log}
}

// Begin creates the run record in the running state.
func (s *Service) Begin(ctx context.Context, sourceConnectionID string, trigger syncrun.TriggerKind, opts syncconfig.TransferOptions) (syncrun.Run, error) {
	return s.runs.CreateRun(ctx, syncrun.Run{
		SourceConnectionID: sourceConnectionID,
		Trigger:            trigger,
		Status:             syncrun.StatusRunning,
		Options:            opts.Clone(),
		StartedAt:          time.Now().UTC(),
	})
}

// Finalize writes the run's terminal state exactly once.
func (s *Service) Finalize(ctx context.Context, run syncrun.Run, status syncrun.Status, phase syncrun.Phase, message string) (syncrun.Run, error) {
	run.Status = status
	run.Phase = phase
	run.Message = message
	run.FinishedAt = time.Now().UTC()
	return s.runs.FinalizeRun(ctx, run)
}

// RecordSkipped logs a run that never started because the source was locked.
func (s *Service) RecordSkipped(ctx context.Context, sourceConnectionID string, trigger syncrun.TriggerKind, message string) (syncrun.Run, error) {
	now := time.Now().UTC()
	return s.runs.CreateRun(ctx, syncrun.Run{
		SourceConnectionID: sourceConnectionID,
		Trigger:            trigger,
		Status:             syncrun.StatusSkipped,
		Message:            message,
		StartedAt:          now,
		FinishedAt:         now,
	})
}

// LatestRun returns the most recent run for a source connection.
func (s *Service) LatestRun(ctx context.Context, sourceConnectionID string) (syncrun.Run, error) {
	return s.runs.LatestRun(ctx, sourceConnectionID)
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, sourceConnectionID string, limit int) ([]syncrun.Run, error) {
	return s.runs.ListRuns(ctx, sourceConnectionID, limit)
}

// ReconcileStale fails every run left in the running state by a crash so the
// UI never shows a permanently running status. Called once at startup,
// before the scheduler starts.
func (s *Service) ReconcileStale(ctx context.Context) (int, error) {
	count, err := s.runs.MarkStaleRunsFailed(ctx, staleRunMessage)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.log.WithField("count", count).Warn("reconciled stale runs from unclean shutdown")
	}
	return count, nil
}
