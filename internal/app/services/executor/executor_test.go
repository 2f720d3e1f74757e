package executor

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/engine"
	"github.com/molehq/mole/internal/app/secrets"
	"github.com/molehq/mole/internal/app/services/locks"
	"github.com/molehq/mole/internal/app/services/provision"
	"github.com/molehq/mole/internal/app/services/runlog"
	"github.com/molehq/mole/internal/app/storage/memory"
)

type fakeAdapter struct {
	kind       connection.Engine
	calls      []string
	dumpErr    error
	prepErr    error
	restoreErr error
	createErr  error
	panicIn    string // method name that should panic
}

func (f *fakeAdapter) Kind() connection.Engine { return f.kind }

func (f *fakeAdapter) Dump(_ context.Context, _ connection.Connection, _ syncconfig.TransferOptions, artifactPath string) error {
	f.calls = append(f.calls, "dump")
	if f.panicIn == "dump" {
		panic("adapter blew up")
	}
	if f.dumpErr != nil {
		return f.dumpErr
	}
	return os.WriteFile(artifactPath, []byte("-- dump"), 0o600)
}

func (f *fakeAdapter) PrepareTarget(_ context.Context, _ connection.Connection, dropFirst bool) error {
	if !dropFirst {
		return nil
	}
	f.calls = append(f.calls, "prepare")
	return f.prepErr
}

func (f *fakeAdapter) Restore(_ context.Context, _ connection.Connection, _ string) error {
	f.calls = append(f.calls, "restore")
	return f.restoreErr
}

func (f *fakeAdapter) CreateDatabaseAndUser(_ context.Context, _ connection.Connection, _, _, _ string) error {
	f.calls = append(f.calls, "create")
	return f.createErr
}

type fixture struct {
	svc     *Service
	store   *memory.Store
	locks   *locks.Manager
	adapter *fakeAdapter
	scratch *engine.Scratch
	source  connection.Connection
	target  connection.Connection
}

func newFixture(t *testing.T, opts syncconfig.TransferOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	source, err := store.CreateConnection(ctx, connection.Connection{
		Name: "prod", Engine: connection.EngineMySQL, Host: "db1", Port: 3306, Database: "prod", Username: "app", Password: "pw",
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	target, err := store.CreateConnection(ctx, connection.Connection{
		Name: "copy", Engine: connection.EngineMySQL, Host: "db2", Port: 3306, Database: "copy", Username: "app", Password: "pw",
	})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
	if _, err := store.UpsertSyncConfig(ctx, syncconfig.Config{
		SourceConnectionID: source.ID,
		Enabled:            true,
		Schedule:           syncconfig.ScheduleHourly,
		TargetConnectionID: target.ID,
		Options:            opts,
	}); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	adapter := &fakeAdapter{kind: connection.EngineMySQL}
	registry := engine.NewRegistry(adapter)
	scratch, err := engine.NewScratch(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	decryptor := secrets.NewDecryptor("k")
	lockMgr := locks.NewManager(nil)
	runLog := runlog.NewService(store, nil)
	provisioner := provision.NewService(store, store, registry, decryptor, nil)

	svc := NewService(store, store, lockMgr, runLog, provisioner, registry, scratch, decryptor, nil, nil)
	return &fixture{svc: svc, store: store, locks: lockMgr, adapter: adapter, scratch: scratch, source: source, target: target}
}

func (f *fixture) lastSync(t *testing.T) bool {
	t.Helper()
	conn, err := f.store.GetConnection(context.Background(), f.source.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	return !conn.LastSuccessfulSyncAt.IsZero()
}

func TestExecuteSuccessfulRun(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusSucceeded {
		t.Fatalf("status = %s (%s)", run.Status, run.Message)
	}
	if run.TargetConnectionID != f.target.ID {
		t.Fatalf("target = %s", run.TargetConnectionID)
	}
	if !f.lastSync(t) {
		t.Fatal("lastSuccessfulSyncAt not updated")
	}
	if f.locks.Held(f.source.ID) {
		t.Fatal("lock not released")
	}
	// Artifact must be cleaned up.
	artifact := f.scratch.ArtifactPath(run.ID, connection.EngineMySQL)
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("artifact not removed")
	}
}

func TestExecuteSkippedWhenLocked(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})

	if err := f.locks.TryAcquire(f.source.ID); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerScheduled)
	if err != nil {
		t.Fatalf("a skipped run is not an error: %v", err)
	}
	if run.Status != syncrun.StatusSkipped {
		t.Fatalf("status = %s", run.Status)
	}
	if len(f.adapter.calls) != 0 {
		t.Fatalf("no adapter calls expected, got %v", f.adapter.calls)
	}
	if !f.locks.Held(f.source.ID) {
		t.Fatal("the pre-existing lock must stay held")
	}
}

func TestExecuteDumpFailureNeverRestores(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})
	f.adapter.dumpErr = engine.ErrDumpTool

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerScheduled)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusFailed || run.Phase != syncrun.PhaseDump {
		t.Fatalf("status/phase = %s/%s", run.Status, run.Phase)
	}
	for _, call := range f.adapter.calls {
		if call == "restore" {
			t.Fatal("restore must not run after a failed dump")
		}
	}
	if f.lastSync(t) {
		t.Fatal("lastSuccessfulSyncAt must stay unset")
	}
	if f.locks.Held(f.source.ID) {
		t.Fatal("lock not released")
	}
}

func TestExecuteRestoreFailure(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})
	f.adapter.restoreErr = engine.ErrRestoreTool

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusFailed || run.Phase != syncrun.PhaseRestore {
		t.Fatalf("status/phase = %s/%s", run.Status, run.Phase)
	}
	if f.lastSync(t) {
		t.Fatal("lastSuccessfulSyncAt must stay unset after restore failure")
	}
	if f.locks.Held(f.source.ID) {
		t.Fatal("lock not released")
	}
}

func TestExecuteDropTargetFirstOrdering(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{DropTargetFirst: true})

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusSucceeded {
		t.Fatalf("status = %s (%s)", run.Status, run.Message)
	}
	want := []string{"dump", "prepare", "restore"}
	if len(f.adapter.calls) != len(want) {
		t.Fatalf("calls = %v", f.adapter.calls)
	}
	for i, call := range want {
		if f.adapter.calls[i] != call {
			t.Fatalf("calls = %v, want %v", f.adapter.calls, want)
		}
	}
}

func TestExecutePrepareTargetFailureIsRestorePhase(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{DropTargetFirst: true})
	f.adapter.prepErr = engine.ErrTargetPrep

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusFailed || run.Phase != syncrun.PhaseRestore {
		t.Fatalf("status/phase = %s/%s", run.Status, run.Phase)
	}
	for _, call := range f.adapter.calls {
		if call == "restore" {
			t.Fatal("restore must not run after a failed target prepare")
		}
	}
}

func TestExecuteProvisioningFailure(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})
	f.adapter.createErr = engine.ErrProvisioning

	// Rewire the config to the create-new sentinel.
	cfg, err := f.store.GetSyncConfig(context.Background(), f.source.ID)
	if err != nil {
		t.Fatalf("GetSyncConfig: %v", err)
	}
	cfg.TargetConnectionID = syncconfig.TargetCreateNew
	cfg.PendingTarget = syncconfig.PendingTarget{Database: "copy2", User: "u", Password: "p"}
	if _, err := f.store.UpsertSyncConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertSyncConfig: %v", err)
	}

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusFailed || run.Phase != syncrun.PhaseProvisioning {
		t.Fatalf("status/phase = %s/%s", run.Status, run.Phase)
	}
	for _, call := range f.adapter.calls {
		if call == "dump" {
			t.Fatal("dump must not run after failed provisioning")
		}
	}
	if f.locks.Held(f.source.ID) {
		t.Fatal("lock not released")
	}
}

func TestExecutePanicBecomesFailedUnknown(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})
	f.adapter.panicIn = "dump"

	run, err := f.svc.Execute(context.Background(), f.source.ID, syncrun.TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != syncrun.StatusFailed || run.Phase != syncrun.PhaseUnknown {
		t.Fatalf("status/phase = %s/%s", run.Status, run.Phase)
	}
	if f.locks.Held(f.source.ID) {
		t.Fatal("lock not released after panic")
	}
}

func TestExecuteRejectsSampleConnections(t *testing.T) {
	f := newFixture(t, syncconfig.TransferOptions{})

	sample, err := f.store.CreateConnection(context.Background(), connection.Connection{
		Name: "demo", Engine: connection.EngineMySQL, Host: "demo", Port: 3306, Database: "demo", IsSample: true,
	})
	if err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	if _, err := f.svc.Execute(context.Background(), sample.ID, syncrun.TriggerManual); !errors.Is(err, ErrSampleConnection) {
		t.Fatalf("expected ErrSampleConnection, got %v", err)
	}
}
