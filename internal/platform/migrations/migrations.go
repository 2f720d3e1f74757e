// Package migrations bootstraps the database schema. Statements are
// idempotent so Apply can run unconditionally at startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS sync_connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		engine TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		database_name TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		ssl_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		is_sample BOOLEAN NOT NULL DEFAULT FALSE,
		last_successful_sync_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_configs (
		source_connection_id TEXT PRIMARY KEY REFERENCES sync_connections(id) ON DELETE CASCADE,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		schedule TEXT NOT NULL DEFAULT 'never',
		target_connection_id TEXT NOT NULL DEFAULT '',
		pending_db TEXT NOT NULL DEFAULT '',
		pending_user TEXT NOT NULL DEFAULT '',
		pending_password TEXT NOT NULL DEFAULT '',
		tables_only TEXT[] NOT NULL DEFAULT '{}',
		tables_exclude TEXT[] NOT NULL DEFAULT '{}',
		structure_only BOOLEAN NOT NULL DEFAULT FALSE,
		drop_target_first BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		source_connection_id TEXT NOT NULL,
		target_connection_id TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		tables_only TEXT[] NOT NULL DEFAULT '{}',
		tables_exclude TEXT[] NOT NULL DEFAULT '{}',
		structure_only BOOLEAN NOT NULL DEFAULT FALSE,
		drop_target_first BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_source_started ON sync_runs (source_connection_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs (status)`,
}

// Apply executes the schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
