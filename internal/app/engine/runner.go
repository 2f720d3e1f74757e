package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/molehq/mole/pkg/logger"
)

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string // extra KEY=VALUE entries appended to the process env
	Stdin   io.Reader
	Stdout  io.Writer
	Timeout time.Duration
}

// Runner executes external commands. Adapters depend on this interface so
// tests can capture the exact invocation without spawning processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

type execRunner struct {
	log *logger.Logger
}

// NewRunner returns a Runner backed by os/exec.
func NewRunner(log *logger.Logger) Runner {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	return &execRunner{log: log}
}

// stderrTailLimit bounds how much tool output ends up in run messages.
const stderrTailLimit = 8 * 1024

// tailWriter keeps the last N bytes written to it.
type tailWriter struct {
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }

func (r *execRunner) Run(ctx context.Context, cmd Command) error {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	stderr := &tailWriter{limit: stderrTailLimit}

	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Stdin = cmd.Stdin
	proc.Stdout = cmd.Stdout
	proc.Stderr = stderr
	proc.WaitDelay = 10 * time.Second

	start := time.Now()
	r.log.WithField("tool", cmd.Name).Debug("running external command")

	err := proc.Run()
	elapsed := time.Since(start)

	if err == nil {
		r.log.WithField("tool", cmd.Name).WithField("elapsed", elapsed.Round(time.Millisecond)).Debug("command finished")
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &CommandError{Tool: cmd.Name, ExitCode: -1, Stderr: stderr.String(), Err: ErrTimeout}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &CommandError{Tool: cmd.Name, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
}
