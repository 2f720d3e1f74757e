// Package scheduler evaluates sync configurations on a fixed interval and
// submits due runs to the executor.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

// DefaultTickInterval is how often due-ness is evaluated.
const DefaultTickInterval = time.Minute

// recentRunsWindow bounds how many runs per source are inspected when
// computing the last finish time.
const recentRunsWindow = 10

// Executor submits one sync run. Implemented by the executor service.
type Executor interface {
	Execute(ctx context.Context, sourceConnectionID string, trigger syncrun.TriggerKind) (syncrun.Run, error)
}

// Scheduler is a system.Service driving the periodic evaluation loop.
type Scheduler struct {
	connections storage.ConnectionStore
	configs     storage.SyncConfigStore
	runs        storage.SyncRunStore
	executor    Executor
	interval    time.Duration
	log         *logger.Logger

	// cronOverrides maps a source connection id to a cron schedule that takes
	// precedence over the config's fixed interval. Populated from the file
	// config's monthly and custom-cron frequencies.
	cronOverrides map[string]cron.Schedule

	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ticking atomic.Bool
}

func New(connections storage.ConnectionStore, configs storage.SyncConfigStore, runs storage.SyncRunStore, exec Executor, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		connections:   connections,
		configs:       configs,
		runs:          runs,
		executor:      exec,
		interval:      interval,
		log:           log,
		cronOverrides: make(map[string]cron.Schedule),
		now:           time.Now,
	}
}

// SetCronOverride pins a source connection to a cron schedule instead of the
// fixed hourly/daily/weekly interval. Must be called before Start.
func (s *Scheduler) SetCronOverride(sourceConnectionID string, schedule cron.Schedule) {
	s.cronOverrides[sourceConnectionID] = schedule
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.WithField("interval", s.interval).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ticks do not queue: if the previous evaluation is still
			// running, this one is dropped and due-ness is recomputed fresh
			// on the next tick.
			if !s.ticking.CompareAndSwap(false, true) {
				s.log.Debug("previous tick still evaluating, skipping")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.ticking.Store(false)
				s.tick(ctx)
			}()
		}
	}
}

// Tick evaluates every enabled config once. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) { s.tick(ctx) }

func (s *Scheduler) tick(ctx context.Context) {
	cfgs, err := s.configs.ListEnabledSyncConfigs(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to list sync configs")
		return
	}

	for _, cfg := range cfgs {
		due, err := s.isDue(ctx, cfg)
		if err != nil {
			s.log.WithError(err).WithField("source", cfg.SourceConnectionID).Warn("due-ness evaluation failed")
			continue
		}
		if !due {
			continue
		}
		s.submit(ctx, cfg.SourceConnectionID)
	}
}

func (s *Scheduler) isDue(ctx context.Context, cfg syncconfig.Config) (bool, error) {
	// Unprovisioned targets are resolved by manual settings updates or
	// triggers, never by the scheduler.
	if cfg.NeedsProvisioning() || cfg.TargetConnectionID == "" {
		return false, nil
	}

	override, hasOverride := s.cronOverrides[cfg.SourceConnectionID]
	if !hasOverride && cfg.Schedule.Interval() <= 0 {
		return false, nil // never: manual only
	}

	conn, err := s.connections.GetConnection(ctx, cfg.SourceConnectionID)
	if err != nil {
		return false, err
	}
	if conn.IsSample {
		return false, nil
	}

	// The reference point is the newest finish time across recent terminal
	// runs, not the finish time of the latest-started run: a skipped run
	// recorded while a long run was still in flight finishes first and must
	// not shadow the real run's completion.
	reference := conn.LastSuccessfulSyncAt
	recent, err := s.runs.ListRuns(ctx, cfg.SourceConnectionID, recentRunsWindow)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	for _, run := range recent {
		if !run.Status.Terminal() {
			return false, nil // still running, the lock would skip it anyway
		}
		if run.FinishedAt.After(reference) {
			reference = run.FinishedAt
		}
	}

	now := s.now()
	if hasOverride {
		if reference.IsZero() {
			return true, nil
		}
		return !override.Next(reference).After(now), nil
	}
	return now.Sub(reference) >= cfg.Schedule.Interval(), nil
}

// submit fires the run without waiting for it, so one slow sync cannot delay
// the evaluation of other connections.
func (s *Scheduler) submit(ctx context.Context, sourceConnectionID string) {
	s.log.WithField("source", sourceConnectionID).Info("submitting scheduled sync run")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.executor.Execute(ctx, sourceConnectionID, syncrun.TriggerScheduled); err != nil {
			s.log.WithError(err).WithField("source", sourceConnectionID).Error("scheduled run failed to start")
		}
	}()
}
