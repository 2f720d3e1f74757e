package storage

import (
	"context"
	"errors"
	"time"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
)

// ErrNotFound is returned by every store when the requested row does not
// exist, regardless of the backing implementation.
var ErrNotFound = errors.New("not found")

// ConnectionStore persists database connection records.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn connection.Connection) (connection.Connection, error)
	GetConnection(ctx context.Context, id string) (connection.Connection, error)
	ListConnections(ctx context.Context) ([]connection.Connection, error)
	// SetLastSuccessfulSync updates only the last-successful-sync timestamp;
	// all other connection fields are owned by the settings UI.
	SetLastSuccessfulSync(ctx context.Context, id string, at time.Time) error
}

// SyncConfigStore persists per-source sync configuration.
type SyncConfigStore interface {
	GetSyncConfig(ctx context.Context, sourceConnectionID string) (syncconfig.Config, error)
	UpsertSyncConfig(ctx context.Context, cfg syncconfig.Config) (syncconfig.Config, error)
	ListEnabledSyncConfigs(ctx context.Context) ([]syncconfig.Config, error)
}

// SyncRunStore persists the run log. Finalization must be atomic: a reader
// never observes a run that is both running and finished.
type SyncRunStore interface {
	CreateRun(ctx context.Context, run syncrun.Run) (syncrun.Run, error)
	FinalizeRun(ctx context.Context, run syncrun.Run) (syncrun.Run, error)
	GetRun(ctx context.Context, id string) (syncrun.Run, error)
	LatestRun(ctx context.Context, sourceConnectionID string) (syncrun.Run, error)
	ListRuns(ctx context.Context, sourceConnectionID string, limit int) ([]syncrun.Run, error)
	// MarkStaleRunsFailed finalizes every non-terminal run with the given
	// message, returning how many rows were reconciled. Called on startup.
	MarkStaleRunsFailed(ctx context.Context, message string) (int, error)
}
