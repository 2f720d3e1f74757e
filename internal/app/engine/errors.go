package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Phase error sentinels. Adapters wrap every failure in exactly one of these
// so the executor can record the failing phase without inspecting tool output.
var (
	ErrConnection        = errors.New("database unreachable or authentication failed")
	ErrDumpTool          = errors.New("dump tool failed")
	ErrRestoreTool       = errors.New("restore tool failed")
	ErrTargetPrep        = errors.New("target preparation failed")
	ErrProvisioning      = errors.New("provisioning failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnsupportedEngine = errors.New("unsupported engine")
)

// CommandError carries the diagnostics of a failed external command.
type CommandError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

var connectionMarkers = []string{
	"access denied",
	"connection refused",
	"could not connect",
	"password authentication failed",
	"unknown mysql server host",
	"could not translate host name",
	"no pg_hba.conf entry",
	"connection timed out",
}

// classify wraps a runner error with the given phase sentinel, upgrading it
// to ErrConnection when the tool's stderr indicates an unreachable server or
// rejected credentials. Timeouts keep their own sentinel.
func classify(err error, phase error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		lower := strings.ToLower(cmdErr.Stderr)
		for _, marker := range connectionMarkers {
			if strings.Contains(lower, marker) {
				return fmt.Errorf("%w: %w", ErrConnection, err)
			}
		}
	}
	return fmt.Errorf("%w: %w", phase, err)
}
