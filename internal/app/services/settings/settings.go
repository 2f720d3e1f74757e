// Package settings implements the sync settings surface consumed by the
// dashboard UI: read settings, update them (provisioning synchronously when a
// new target is requested) and trigger manual runs.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/services/locks"
	"github.com/molehq/mole/internal/app/services/provision"
	"github.com/molehq/mole/internal/app/services/runlog"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

// ErrValidation covers every rejected settings change. The wrapped message
// explains which rule failed.
var ErrValidation = errors.New("validation failed")

// ErrSampleConnection rejects settings changes on built-in demo endpoints.
var ErrSampleConnection = errors.New("sample connections cannot be synchronized")

// Executor submits manual runs. Implemented by the executor service.
type Executor interface {
	Execute(ctx context.Context, sourceConnectionID string, trigger syncrun.TriggerKind) (syncrun.Run, error)
}

type Service struct {
	connections storage.ConnectionStore
	configs     storage.SyncConfigStore
	runlog      *runlog.Service
	provisioner *provision.Service
	locks       *locks.Manager
	executor    Executor
	log         *logger.Logger
}

func NewService(connections storage.ConnectionStore, configs storage.SyncConfigStore, runLog *runlog.Service, provisioner *provision.Service, lockMgr *locks.Manager, exec Executor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settings")
	}
	return &Service{
		connections: connections,
		configs:     configs,
		runlog:      runLog,
		provisioner: provisioner,
		locks:       lockMgr,
		executor:    exec,
		log:         log,
	}
}

// Settings is the UI view of a connection's sync state.
type Settings struct {
	Enabled            bool                       `json:"enabled"`
	Schedule           syncconfig.Schedule        `json:"schedule"`
	TargetConnectionID string                     `json:"target_connection_id,omitempty"`
	Options            syncconfig.TransferOptions `json:"options"`
	LastSync           time.Time                  `json:"last_sync,omitempty"`
	LastLogStatus      syncrun.Status             `json:"last_log_status,omitempty"`
	LastLogMessage     string                     `json:"last_log_message,omitempty"`
	LastLogTimestamp   time.Time                  `json:"last_log_timestamp,omitempty"`
}

// UpdateRequest carries a settings change from the UI.
type UpdateRequest struct {
	Enabled            bool                       `json:"enabled"`
	Schedule           syncconfig.Schedule        `json:"schedule"`
	TargetConnectionID string                     `json:"target_connection_id"`
	NewDBName          string                     `json:"new_db_name,omitempty"`
	NewDBUser          string                     `json:"new_db_user,omitempty"`
	NewDBPassword      string                     `json:"new_db_password,omitempty"`
	Options            syncconfig.TransferOptions `json:"options"`
}

// UpdateResult acknowledges a settings change.
type UpdateResult struct {
	Message     string `json:"message"`
	NewTargetID string `json:"new_target_id,omitempty"`
}

// GetSyncSettings returns the stored configuration merged with the latest
// run's outcome. A connection without a config yet reads as disabled.
func (s *Service) GetSyncSettings(ctx context.Context, connectionID string) (Settings, error) {
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return Settings{}, err
	}

	out := Settings{Schedule: syncconfig.ScheduleNever, LastSync: conn.LastSuccessfulSyncAt}

	cfg, err := s.configs.GetSyncConfig(ctx, connectionID)
	switch {
	case err == nil:
		out.Enabled = cfg.Enabled
		out.Schedule = cfg.Schedule
		out.TargetConnectionID = cfg.TargetConnectionID
		out.Options = cfg.Options
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Settings{}, err
	}

	last, err := s.runlog.LatestRun(ctx, connectionID)
	switch {
	case err == nil:
		out.LastLogStatus = last.Status
		out.LastLogMessage = last.Message
		out.LastLogTimestamp = last.StartedAt
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Settings{}, err
	}

	return out, nil
}

// UpdateSyncSettings validates and persists a settings change. When the
// target is the create-new sentinel with complete credentials, provisioning
// runs synchronously before this call returns, so the UI can select the new
// target immediately. On any failure nothing is persisted.
func (s *Service) UpdateSyncSettings(ctx context.Context, connectionID string, req UpdateRequest) (UpdateResult, error) {
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return UpdateResult{}, err
	}
	if conn.IsSample {
		return UpdateResult{}, ErrSampleConnection
	}

	if req.Schedule == "" {
		req.Schedule = syncconfig.ScheduleNever
	}
	if !req.Schedule.Valid() {
		return UpdateResult{}, fmt.Errorf("%w: unknown schedule %q", ErrValidation, req.Schedule)
	}

	pending := syncconfig.PendingTarget{Database: req.NewDBName, User: req.NewDBUser, Password: req.NewDBPassword}
	creatingNew := req.TargetConnectionID == syncconfig.TargetCreateNew

	if req.Enabled {
		switch {
		case creatingNew && !pending.Complete():
			return UpdateResult{}, fmt.Errorf("%w: creating a new target requires database name, user and password", ErrValidation)
		case !creatingNew && req.TargetConnectionID == "":
			return UpdateResult{}, fmt.Errorf("%w: enabling sync requires a target connection", ErrValidation)
		}
	}
	if !creatingNew && req.TargetConnectionID != "" {
		if _, err := s.connections.GetConnection(ctx, req.TargetConnectionID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return UpdateResult{}, fmt.Errorf("%w: target connection %s does not exist", ErrValidation, req.TargetConnectionID)
			}
			return UpdateResult{}, err
		}
	}

	existing, err := s.configs.GetSyncConfig(ctx, connectionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return UpdateResult{}, err
	}

	cfg := syncconfig.Config{
		SourceConnectionID: connectionID,
		Enabled:            req.Enabled,
		Schedule:           req.Schedule,
		TargetConnectionID: req.TargetConnectionID,
		Options:            req.Options,
		CreatedAt:          existing.CreatedAt,
	}

	result := UpdateResult{Message: "sync settings updated"}

	if creatingNew {
		cfg.PendingTarget = pending
		if pending.Complete() {
			// Provisioning shares the per-source lock with the executor so
			// concurrent settings updates, or an update racing an in-flight
			// run's provisioning phase, cannot create two targets.
			if err := s.locks.TryAcquire(connectionID); err != nil {
				return UpdateResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			defer s.locks.Release(connectionID)

			// Provision before persisting: EnsureTarget stores the config
			// with the resolved target id on success, and on failure nothing
			// is written.
			targetID, err := s.provisioner.EnsureTarget(ctx, cfg)
			if err != nil {
				return UpdateResult{}, err
			}
			result.NewTargetID = targetID
			result.Message = "sync settings updated, new target provisioned"
			return result, nil
		}
	}

	if _, err := s.configs.UpsertSyncConfig(ctx, cfg); err != nil {
		return UpdateResult{}, err
	}
	return result, nil
}

// TriggerSync submits a manual run and returns an acknowledgement before the
// run finishes. The outcome is observed via GetSyncSettings on a later poll.
func (s *Service) TriggerSync(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if conn.IsSample {
		return "", ErrSampleConnection
	}

	cfg, err := s.configs.GetSyncConfig(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: sync is not configured for this connection", ErrValidation)
		}
		return "", err
	}
	if cfg.TargetConnectionID == "" {
		return "", fmt.Errorf("%w: no target connection configured", ErrValidation)
	}
	if cfg.NeedsProvisioning() && !cfg.PendingTarget.Complete() {
		return "", fmt.Errorf("%w: target provisioning is incomplete", ErrValidation)
	}

	// Fire-and-forget: the executor serializes per source via the lock
	// manager and records skipped runs on contention.
	go func() {
		if _, err := s.executor.Execute(context.Background(), connectionID, syncrun.TriggerManual); err != nil {
			s.log.WithError(err).WithField("source", connectionID).Error("manual run failed to start")
		}
	}()

	return "synchronization started", nil
}
