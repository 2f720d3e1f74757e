// Package syncrun defines the immutable run log records.
package syncrun

import (
	"time"

	"github.com/molehq/mole/internal/app/domain/syncconfig"
)

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Phase names where a failed run stopped.
type Phase string

const (
	PhaseProvisioning Phase = "provisioning"
	PhaseDump         Phase = "dump"
	PhaseRestore      Phase = "restore"
	PhaseUnknown      Phase = "unknown"
)

// Run records one execution attempt. Created when the run starts and
// finalized exactly once; never mutated afterward.
type Run struct {
	ID                 string      `json:"id"`
	SourceConnectionID string      `json:"source_connection_id"`
	TargetConnectionID string      `json:"target_connection_id,omitempty"`
	Trigger            TriggerKind `json:"trigger"`
	Status             Status      `json:"status"`
	// Phase is set when Status is failed.
	Phase   Phase  `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
	// Options are copied from the config at start time.
	Options syncconfig.TransferOptions `json:"options"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
