package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.ConnectionStore = (*Store)(nil)
var _ storage.SyncConfigStore = (*Store)(nil)
var _ storage.SyncRunStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func wrapNoRows(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return err
}

// --- ConnectionStore ----------------------------------------------------------

func (s *Store) CreateConnection(ctx context.Context, conn connection.Connection) (connection.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_connections (id, name, engine, host, port, database_name, username, password, ssl_enabled, is_sample, last_successful_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, conn.ID, conn.Name, string(conn.Engine), conn.Host, conn.Port, conn.Database, conn.Username, conn.Password, conn.SSLEnabled, conn.IsSample, toNullTime(conn.LastSuccessfulSyncAt), conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return connection.Connection{}, err
	}
	return conn, nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (connection.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, engine, host, port, database_name, username, password, ssl_enabled, is_sample, last_successful_sync_at, created_at, updated_at
		FROM sync_connections
		WHERE id = $1
	`, id)

	conn, err := scanConnection(row)
	if err != nil {
		return connection.Connection{}, wrapNoRows(err, "connection "+id)
	}
	return conn, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]connection.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, engine, host, port, database_name, username, password, ssl_enabled, is_sample, last_successful_sync_at, created_at, updated_at
		FROM sync_connections
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []connection.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conn)
	}
	return result, rows.Err()
}

func (s *Store) SetLastSuccessfulSync(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_connections
		SET last_successful_sync_at = $2, updated_at = $3
		WHERE id = $1
	`, id, at.UTC(), time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (connection.Connection, error) {
	var (
		conn     connection.Connection
		engine   string
		lastSync sql.NullTime
	)
	if err := row.Scan(&conn.ID, &conn.Name, &engine, &conn.Host, &conn.Port, &conn.Database, &conn.Username, &conn.Password, &conn.SSLEnabled, &conn.IsSample, &lastSync, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return connection.Connection{}, err
	}
	conn.Engine = connection.Engine(engine)
	if lastSync.Valid {
		conn.LastSuccessfulSyncAt = lastSync.Time.UTC()
	}
	return conn, nil
}

// --- SyncConfigStore ----------------------------------------------------------

func (s *Store) GetSyncConfig(ctx context.Context, sourceConnectionID string) (syncconfig.Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_connection_id, enabled, schedule, target_connection_id, pending_db, pending_user, pending_password, tables_only, tables_exclude, structure_only, drop_target_first, created_at, updated_at
		FROM sync_configs
		WHERE source_connection_id = $1
	`, sourceConnectionID)

	cfg, err := scanConfig(row)
	if err != nil {
		return syncconfig.Config{}, wrapNoRows(err, "sync config for "+sourceConnectionID)
	}
	return cfg, nil
}

func (s *Store) UpsertSyncConfig(ctx context.Context, cfg syncconfig.Config) (syncconfig.Config, error) {
	if cfg.SourceConnectionID == "" {
		return syncconfig.Config{}, errors.New("source connection id required")
	}
	now := time.Now().UTC()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_configs (source_connection_id, enabled, schedule, target_connection_id, pending_db, pending_user, pending_password, tables_only, tables_exclude, structure_only, drop_target_first, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source_connection_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			schedule = EXCLUDED.schedule,
			target_connection_id = EXCLUDED.target_connection_id,
			pending_db = EXCLUDED.pending_db,
			pending_user = EXCLUDED.pending_user,
			pending_password = EXCLUDED.pending_password,
			tables_only = EXCLUDED.tables_only,
			tables_exclude = EXCLUDED.tables_exclude,
			structure_only = EXCLUDED.structure_only,
			drop_target_first = EXCLUDED.drop_target_first,
			updated_at = EXCLUDED.updated_at
	`, cfg.SourceConnectionID, cfg.Enabled, string(cfg.Schedule), cfg.TargetConnectionID,
		cfg.PendingTarget.Database, cfg.PendingTarget.User, cfg.PendingTarget.Password,
		pq.Array(cfg.Options.TablesOnly), pq.Array(cfg.Options.TablesExclude),
		cfg.Options.StructureOnly, cfg.Options.DropTargetFirst, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return syncconfig.Config{}, err
	}
	return cfg, nil
}

func (s *Store) ListEnabledSyncConfigs(ctx context.Context) ([]syncconfig.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_connection_id, enabled, schedule, target_connection_id, pending_db, pending_user, pending_password, tables_only, tables_exclude, structure_only, drop_target_first, created_at, updated_at
		FROM sync_configs
		WHERE enabled = TRUE
		ORDER BY source_connection_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []syncconfig.Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

func scanConfig(row rowScanner) (syncconfig.Config, error) {
	var (
		cfg      syncconfig.Config
		schedule string
		only     pq.StringArray
		exclude  pq.StringArray
	)
	if err := row.Scan(&cfg.SourceConnectionID, &cfg.Enabled, &schedule, &cfg.TargetConnectionID,
		&cfg.PendingTarget.Database, &cfg.PendingTarget.User, &cfg.PendingTarget.Password,
		&only, &exclude, &cfg.Options.StructureOnly, &cfg.Options.DropTargetFirst,
		&cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return syncconfig.Config{}, err
	}
	cfg.Schedule = syncconfig.Schedule(schedule)
	cfg.Options.TablesOnly = []string(only)
	cfg.Options.TablesExclude = []string(exclude)
	return cfg, nil
}

// --- SyncRunStore ---------------------------------------------------------------

func (s *Store) CreateRun(ctx context.Context, run syncrun.Run) (syncrun.Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, source_connection_id, target_connection_id, trigger_kind, status, phase, message, tables_only, tables_exclude, structure_only, drop_target_first, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, run.ID, run.SourceConnectionID, run.TargetConnectionID, string(run.Trigger), string(run.Status), string(run.Phase), run.Message,
		pq.Array(run.Options.TablesOnly), pq.Array(run.Options.TablesExclude),
		run.Options.StructureOnly, run.Options.DropTargetFirst, run.StartedAt, toNullTime(run.FinishedAt))
	if err != nil {
		return syncrun.Run{}, err
	}
	return run, nil
}

// FinalizeRun writes the terminal state of a run. The WHERE clause guards
// against double finalization so the transition is atomic for readers.
func (s *Store) FinalizeRun(ctx context.Context, run syncrun.Run) (syncrun.Run, error) {
	if !run.Status.Terminal() {
		return syncrun.Run{}, fmt.Errorf("run %s: finalize requires a terminal status", run.ID)
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2, phase = $3, message = $4, target_connection_id = $5, finished_at = $6
		WHERE id = $1 AND status = 'running'
	`, run.ID, string(run.Status), string(run.Phase), run.Message, run.TargetConnectionID, run.FinishedAt)
	if err != nil {
		return syncrun.Run{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return syncrun.Run{}, fmt.Errorf("run %s not running: %w", run.ID, storage.ErrNotFound)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (syncrun.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_connection_id, target_connection_id, trigger_kind, status, phase, message, tables_only, tables_exclude, structure_only, drop_target_first, started_at, finished_at
		FROM sync_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		return syncrun.Run{}, wrapNoRows(err, "run "+id)
	}
	return run, nil
}

func (s *Store) LatestRun(ctx context.Context, sourceConnectionID string) (syncrun.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_connection_id, target_connection_id, trigger_kind, status, phase, message, tables_only, tables_exclude, structure_only, drop_target_first, started_at, finished_at
		FROM sync_runs
		WHERE source_connection_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, sourceConnectionID)

	run, err := scanRun(row)
	if err != nil {
		return syncrun.Run{}, wrapNoRows(err, "latest run for "+sourceConnectionID)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, sourceConnectionID string, limit int) ([]syncrun.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_connection_id, target_connection_id, trigger_kind, status, phase, message, tables_only, tables_exclude, structure_only, drop_target_first, started_at, finished_at
		FROM sync_runs
		WHERE source_connection_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, sourceConnectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []syncrun.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (s *Store) MarkStaleRunsFailed(ctx context.Context, message string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed', phase = 'unknown', message = $1, finished_at = $2
		WHERE status = 'running'
	`, message, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func scanRun(row rowScanner) (syncrun.Run, error) {
	var (
		run        syncrun.Run
		trigger    string
		status     string
		phase      string
		only       pq.StringArray
		exclude    pq.StringArray
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.SourceConnectionID, &run.TargetConnectionID, &trigger, &status, &phase, &run.Message,
		&only, &exclude, &run.Options.StructureOnly, &run.Options.DropTargetFirst, &run.StartedAt, &finishedAt); err != nil {
		return syncrun.Run{}, err
	}
	run.Trigger = syncrun.TriggerKind(trigger)
	run.Status = syncrun.Status(status)
	run.Phase = syncrun.Phase(phase)
	run.Options.TablesOnly = []string(only)
	run.Options.TablesExclude = []string(exclude)
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time.UTC()
	}
	return run, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
