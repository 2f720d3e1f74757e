package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/storage/memory"
)

type recordingExecutor struct {
	mu   sync.Mutex
	runs []string
	done chan struct{}
}

func (r *recordingExecutor) Execute(_ context.Context, sourceConnectionID string, trigger syncrun.TriggerKind) (syncrun.Run, error) {
	r.mu.Lock()
	r.runs = append(r.runs, sourceConnectionID+"/"+string(trigger))
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return syncrun.Run{}, nil
}

func (r *recordingExecutor) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func seed(t *testing.T, store *memory.Store, schedule syncconfig.Schedule, lastSync time.Time) connection.Connection {
	t.Helper()
	ctx := context.Background()

	src, err := store.CreateConnection(ctx, connection.Connection{
		Name: "prod", Engine: connection.EngineMySQL, Host: "db", Port: 3306, Database: "prod",
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if !lastSync.IsZero() {
		if err := store.SetLastSuccessfulSync(ctx, src.ID, lastSync); err != nil {
			t.Fatalf("SetLastSuccessfulSync: %v", err)
		}
	}
	target, err := store.CreateConnection(ctx, connection.Connection{
		Name: "copy", Engine: connection.EngineMySQL, Host: "db", Port: 3306, Database: "copy",
	})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
	if _, err := store.UpsertSyncConfig(ctx, syncconfig.Config{
		SourceConnectionID: src.ID,
		Enabled:            true,
		Schedule:           schedule,
		TargetConnectionID: target.ID,
	}); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return src
}

func newScheduler(store *memory.Store, exec Executor) *Scheduler {
	return New(store, store, store, exec, time.Minute, nil)
}

func TestTickSubmitsDueConfig(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{done: make(chan struct{}, 1)}
	src := seed(t, store, syncconfig.ScheduleHourly, time.Now().Add(-2*time.Hour))

	s := newScheduler(store, exec)
	s.Tick(context.Background())

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not submitted")
	}
	got := exec.submitted()
	if len(got) != 1 || got[0] != src.ID+"/scheduled" {
		t.Fatalf("submitted = %v", got)
	}
}

func TestTickSkipsNotYetDueConfig(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	seed(t, store, syncconfig.ScheduleHourly, time.Now().Add(-10*time.Minute))

	s := newScheduler(store, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickNeverScheduleIsManualOnly(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	seed(t, store, syncconfig.ScheduleNever, time.Time{})

	s := newScheduler(store, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickNeverSyncedIsDueImmediately(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{done: make(chan struct{}, 1)}
	seed(t, store, syncconfig.ScheduleWeekly, time.Time{})

	s := newScheduler(store, exec)
	s.Tick(context.Background())

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not submitted")
	}
}

func TestTickUsesLastRunFinishTime(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	// Last success long ago, but a failed attempt just finished: the failed
	// attempt's finish time is the reference, so not due yet.
	src := seed(t, store, syncconfig.ScheduleHourly, time.Now().Add(-3*time.Hour))

	ctx := context.Background()
	run, err := store.CreateRun(ctx, syncrun.Run{SourceConnectionID: src.ID, Trigger: syncrun.TriggerScheduled, Status: syncrun.StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run.Status = syncrun.StatusFailed
	run.Phase = syncrun.PhaseDump
	run.FinishedAt = time.Now().Add(-5 * time.Minute)
	if _, err := store.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	s := newScheduler(store, exec)
	s.Tick(ctx)
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickIgnoresSkippedRunFinishedDuringLongRun(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	src := seed(t, store, syncconfig.ScheduleHourly, time.Now().Add(-3*time.Hour))
	ctx := context.Background()

	// A long run starts, then a contending attempt is recorded as skipped and
	// finishes while the long run is still going. The skipped run starts later
	// but its finish time must not become the reference point.
	longRun, err := store.CreateRun(ctx, syncrun.Run{SourceConnectionID: src.ID, Trigger: syncrun.TriggerScheduled, Status: syncrun.StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	skipped, err := store.CreateRun(ctx, syncrun.Run{SourceConnectionID: src.ID, Trigger: syncrun.TriggerManual, Status: syncrun.StatusRunning})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	skipped.Status = syncrun.StatusSkipped
	skipped.FinishedAt = time.Now().Add(-90 * time.Minute)
	if _, err := store.FinalizeRun(ctx, skipped); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	longRun.Status = syncrun.StatusFailed
	longRun.Phase = syncrun.PhaseRestore
	longRun.FinishedAt = time.Now().Add(-5 * time.Minute)
	if _, err := store.FinalizeRun(ctx, longRun); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	s := newScheduler(store, exec)
	s.Tick(ctx)
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickSkipsRunningSource(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	src := seed(t, store, syncconfig.ScheduleHourly, time.Now().Add(-2*time.Hour))

	if _, err := store.CreateRun(context.Background(), syncrun.Run{
		SourceConnectionID: src.ID, Trigger: syncrun.TriggerManual, Status: syncrun.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	s := newScheduler(store, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickSkipsUnprovisionedTarget(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	src := seed(t, store, syncconfig.ScheduleHourly, time.Time{})

	cfg, err := store.GetSyncConfig(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("GetSyncConfig: %v", err)
	}
	cfg.TargetConnectionID = syncconfig.TargetCreateNew
	if _, err := store.UpsertSyncConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertSyncConfig: %v", err)
	}

	s := newScheduler(store, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestTickSkipsSampleConnections(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}
	ctx := context.Background()

	src, err := store.CreateConnection(ctx, connection.Connection{
		Name: "demo", Engine: connection.EngineMySQL, Host: "demo", Port: 3306, Database: "demo", IsSample: true,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	target, err := store.CreateConnection(ctx, connection.Connection{
		Name: "copy", Engine: connection.EngineMySQL, Host: "db", Port: 3306, Database: "copy",
	})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
	if _, err := store.UpsertSyncConfig(ctx, syncconfig.Config{
		SourceConnectionID: src.ID, Enabled: true, Schedule: syncconfig.ScheduleHourly, TargetConnectionID: target.ID,
	}); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	s := newScheduler(store, exec)
	s.Tick(ctx)
	s.wg.Wait()

	if got := exec.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

func TestCronOverride(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{done: make(chan struct{}, 1)}
	// Schedule never, but a cron override makes it due.
	src := seed(t, store, syncconfig.ScheduleNever, time.Now().Add(-25*time.Hour))

	sched, err := cron.ParseStandard("0 3 * * *")
	if err != nil {
		t.Fatalf("cron parse: %v", err)
	}

	s := newScheduler(store, exec)
	s.SetCronOverride(src.ID, sched)
	s.Tick(context.Background())

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("cron-overridden run was not submitted")
	}
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	exec := &recordingExecutor{}

	s := New(store, store, store, exec, 10*time.Millisecond, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stopping again is a no-op.
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
