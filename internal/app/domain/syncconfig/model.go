// Package syncconfig defines the per-source synchronization configuration.
package syncconfig

import "time"

// Schedule is how often a source is synchronized automatically.
type Schedule string

const (
	ScheduleNever  Schedule = "never"
	ScheduleHourly Schedule = "hourly"
	ScheduleDaily  Schedule = "daily"
	ScheduleWeekly Schedule = "weekly"
)

func (s Schedule) Valid() bool {
	switch s {
	case ScheduleNever, ScheduleHourly, ScheduleDaily, ScheduleWeekly:
		return true
	}
	return false
}

// Interval returns the minimum elapsed time between automatic runs.
// ScheduleNever returns zero: it is never due.
func (s Schedule) Interval() time.Duration {
	switch s {
	case ScheduleHourly:
		return time.Hour
	case ScheduleDaily:
		return 24 * time.Hour
	case ScheduleWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// TargetCreateNew is the sentinel target id meaning "provision a new target
// database before the next run".
const TargetCreateNew = "__create_new__"

// TransferOptions parameterize one dump/restore pass. They live on the
// config but are copied onto each run so history stays traceable.
type TransferOptions struct {
	TablesOnly      []string `json:"tables_only,omitempty"`
	TablesExclude   []string `json:"tables_exclude,omitempty"`
	StructureOnly   bool     `json:"structure_only"`
	DropTargetFirst bool     `json:"drop_target_first"`
}

// Clone returns a deep copy so stored options cannot be mutated via shared
// slices.
func (o TransferOptions) Clone() TransferOptions {
	c := o
	if o.TablesOnly != nil {
		c.TablesOnly = append([]string(nil), o.TablesOnly...)
	}
	if o.TablesExclude != nil {
		c.TablesExclude = append([]string(nil), o.TablesExclude...)
	}
	return c
}

// PendingTarget carries new-target credentials while provisioning is in
// flight. Cleared once the target connection exists.
type PendingTarget struct {
	Database string `json:"database,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"-"`
}

func (p PendingTarget) Complete() bool {
	return p.Database != "" && p.User != "" && p.Password != ""
}

// Config is the one-to-one sync configuration of a source connection.
type Config struct {
	SourceConnectionID string   `json:"source_connection_id"`
	Enabled            bool     `json:"enabled"`
	Schedule           Schedule `json:"schedule"`
	// TargetConnectionID references an existing connection or holds
	// TargetCreateNew while provisioning is pending.
	TargetConnectionID string          `json:"target_connection_id"`
	PendingTarget      PendingTarget   `json:"pending_target,omitempty"`
	Options            TransferOptions `json:"options"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsProvisioning reports whether the next run must create the target
// before it can transfer anything.
func (c Config) NeedsProvisioning() bool {
	return c.TargetConnectionID == TargetCreateNew
}
