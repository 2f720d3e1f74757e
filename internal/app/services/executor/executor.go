// Package executor drives one end-to-end sync run through its state machine:
// lock, provision, dump, restore, finalize.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/engine"
	"github.com/molehq/mole/internal/app/metrics"
	"github.com/molehq/mole/internal/app/secrets"
	"github.com/molehq/mole/internal/app/services/locks"
	"github.com/molehq/mole/internal/app/services/provision"
	"github.com/molehq/mole/internal/app/services/runlog"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

// ErrSampleConnection rejects runs against built-in demo endpoints.
var ErrSampleConnection = errors.New("sample connections cannot be synchronized")

type Service struct {
	connections storage.ConnectionStore
	configs     storage.SyncConfigStore
	locks       *locks.Manager
	runlog      *runlog.Service
	provisioner *provision.Service
	registry    *engine.Registry
	scratch     *engine.Scratch
	decryptor   *secrets.Decryptor
	metrics     *metrics.Metrics
	log         *logger.Logger
}

func NewService(
	connections storage.ConnectionStore,
	configs storage.SyncConfigStore,
	lockMgr *locks.Manager,
	runLog *runlog.Service,
	provisioner *provision.Service,
	registry *engine.Registry,
	scratch *engine.Scratch,
	decryptor *secrets.Decryptor,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Service{
		connections: connections,
		configs:     configs,
		locks:       lockMgr,
		runlog:      runLog,
		provisioner: provisioner,
		registry:    registry,
		scratch:     scratch,
		decryptor:   decryptor,
		metrics:     m,
		log:         log,
	}
}

// Execute runs one synchronization attempt for the source connection. Phase
// failures are recorded on the returned run, not returned as errors; the
// error return covers problems before a run record exists.
func (s *Service) Execute(ctx context.Context, sourceConnectionID string, trigger syncrun.TriggerKind) (syncrun.Run, error) {
	source, err := s.connections.GetConnection(ctx, sourceConnectionID)
	if err != nil {
		return syncrun.Run{}, fmt.Errorf("load source connection: %w", err)
	}
	if source.IsSample {
		return syncrun.Run{}, ErrSampleConnection
	}

	cfg, err := s.configs.GetSyncConfig(ctx, sourceConnectionID)
	if err != nil {
		return syncrun.Run{}, fmt.Errorf("load sync config: %w", err)
	}

	if err := s.locks.TryAcquire(sourceConnectionID); err != nil {
		run, recErr := s.runlog.RecordSkipped(ctx, sourceConnectionID, trigger, "skipped: a previous run is still in progress")
		if recErr != nil {
			return syncrun.Run{}, recErr
		}
		s.metrics.ObserveRun(string(trigger), string(syncrun.StatusSkipped), 0)
		return run, nil
	}
	defer s.locks.Release(sourceConnectionID)

	run, err := s.runlog.Begin(ctx, sourceConnectionID, trigger, cfg.Options)
	if err != nil {
		return syncrun.Run{}, fmt.Errorf("create run record: %w", err)
	}

	log := s.log.WithField("run", run.ID).WithField("source", sourceConnectionID)
	log.WithField("trigger", trigger).Info("sync run started")

	run = s.executeRun(ctx, run, source, cfg)
	s.metrics.ObserveRun(string(trigger), string(run.Status), run.FinishedAt.Sub(run.StartedAt))

	switch run.Status {
	case syncrun.StatusSucceeded:
		log.Info("sync run succeeded")
	default:
		log.WithField("phase", run.Phase).Warn("sync run failed: " + run.Message)
	}
	return run, nil
}

// executeRun walks the phases. A panic inside any phase finalizes the run as
// failed(unknown) rather than tearing the worker down.
func (s *Service) executeRun(ctx context.Context, run syncrun.Run, source connection.Connection, cfg syncconfig.Config) (out syncrun.Run) {
	out = run
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("run", run.ID).Error(fmt.Sprintf("panic during sync run: %v", r))
			if final, err := s.runlog.Finalize(ctx, run, syncrun.StatusFailed, syncrun.PhaseUnknown, fmt.Sprintf("internal error: %v", r)); err == nil {
				out = final
			}
		}
	}()

	fail := func(phase syncrun.Phase, err error) syncrun.Run {
		final, finErr := s.runlog.Finalize(ctx, run, syncrun.StatusFailed, phase, err.Error())
		if finErr != nil {
			s.log.WithError(finErr).WithField("run", run.ID).Error("failed to finalize run")
			run.Status = syncrun.StatusFailed
			run.Phase = phase
			run.Message = err.Error()
			run.FinishedAt = time.Now().UTC()
			return run
		}
		return final
	}

	// Provisioning.
	targetID, err := s.provisioner.EnsureTarget(ctx, cfg)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, err)
	}
	run.TargetConnectionID = targetID

	target, err := s.connections.GetConnection(ctx, targetID)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, err)
	}

	source.Password, err = s.decryptor.Decrypt(source.Password)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, fmt.Errorf("decrypt source password: %w", err))
	}
	target.Password, err = s.decryptor.Decrypt(target.Password)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, fmt.Errorf("decrypt target password: %w", err))
	}

	sourceAdapter, err := s.registry.Lookup(source.Engine)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, err)
	}
	targetAdapter, err := s.registry.Lookup(target.Engine)
	if err != nil {
		return fail(syncrun.PhaseProvisioning, err)
	}

	// Dumping.
	artifact := s.scratch.ArtifactPath(run.ID, source.Engine)
	defer s.scratch.Remove(artifact)

	if err := sourceAdapter.Dump(ctx, source, run.Options, artifact); err != nil {
		return fail(syncrun.PhaseDump, err)
	}

	// A failed drop-and-recreate blocks the restore, so it is reported as a
	// restore-phase failure.
	if run.Options.DropTargetFirst {
		if err := targetAdapter.PrepareTarget(ctx, target, true); err != nil {
			return fail(syncrun.PhaseRestore, err)
		}
	}

	// Restoring. A failure here leaves the target partially applied; the
	// message carries the diagnostics and no rollback is attempted.
	if err := targetAdapter.Restore(ctx, target, artifact); err != nil {
		return fail(syncrun.PhaseRestore, err)
	}

	if err := s.connections.SetLastSuccessfulSync(ctx, source.ID, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("source", source.ID).Warn("failed to update last successful sync timestamp")
	}

	final, err := s.runlog.Finalize(ctx, run, syncrun.StatusSucceeded, "", "completed successfully")
	if err != nil {
		s.log.WithError(err).WithField("run", run.ID).Error("failed to finalize run")
		run.Status = syncrun.StatusSucceeded
		run.Message = "completed successfully"
		run.FinishedAt = time.Now().UTC()
		return run
	}
	return final
}
