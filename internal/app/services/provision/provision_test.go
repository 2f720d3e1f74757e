package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/engine"
	"github.com/molehq/mole/internal/app/secrets"
	"github.com/molehq/mole/internal/app/storage/memory"
)

type fakeAdapter struct {
	kind      connection.Engine
	createErr error
	created   []string // dbName values seen
}

func (f *fakeAdapter) Kind() connection.Engine { return f.kind }

func (f *fakeAdapter) Dump(context.Context, connection.Connection, syncconfig.TransferOptions, string) error {
	return nil
}

func (f *fakeAdapter) PrepareTarget(context.Context, connection.Connection, bool) error { return nil }

func (f *fakeAdapter) Restore(context.Context, connection.Connection, string) error { return nil }

func (f *fakeAdapter) CreateDatabaseAndUser(_ context.Context, _ connection.Connection, dbName, _, _ string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, dbName)
	return nil
}

func newFixture(t *testing.T, adapter *fakeAdapter) (*Service, *memory.Store, connection.Connection) {
	t.Helper()

	store := memory.New()
	src, err := store.CreateConnection(context.Background(), connection.Connection{
		Name:     "prod",
		Engine:   connection.EnginePostgreSQL,
		Host:     "db.internal",
		Port:     5432,
		Database: "prod",
		Username: "admin",
		Password: "adminpw",
	})
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}

	svc := NewService(store, store, engine.NewRegistry(adapter), secrets.NewDecryptor("k"), nil)
	return svc, store, src
}

func TestEnsureTargetPassthrough(t *testing.T) {
	adapter := &fakeAdapter{kind: connection.EnginePostgreSQL}
	svc, store, src := newFixture(t, adapter)

	target, err := store.CreateConnection(context.Background(), connection.Connection{
		Name: "existing target", Engine: connection.EnginePostgreSQL, Host: "db.internal", Port: 5432, Database: "copy",
	})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}

	got, err := svc.EnsureTarget(context.Background(), syncconfig.Config{
		SourceConnectionID: src.ID,
		TargetConnectionID: target.ID,
	})
	if err != nil {
		t.Fatalf("EnsureTarget: %v", err)
	}
	if got != target.ID {
		t.Fatalf("target id = %s, want %s", got, target.ID)
	}
	if len(adapter.created) != 0 {
		t.Fatal("passthrough must not provision anything")
	}
}

func TestEnsureTargetProvisionsNewTarget(t *testing.T) {
	adapter := &fakeAdapter{kind: connection.EnginePostgreSQL}
	svc, store, src := newFixture(t, adapter)

	cfg, err := store.UpsertSyncConfig(context.Background(), syncconfig.Config{
		SourceConnectionID: src.ID,
		Enabled:            true,
		Schedule:           syncconfig.ScheduleDaily,
		TargetConnectionID: syncconfig.TargetCreateNew,
		PendingTarget:      syncconfig.PendingTarget{Database: "reports", User: "reporter", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	targetID, err := svc.EnsureTarget(context.Background(), cfg)
	if err != nil {
		t.Fatalf("EnsureTarget: %v", err)
	}
	if len(adapter.created) != 1 || adapter.created[0] != "reports" {
		t.Fatalf("adapter calls = %v", adapter.created)
	}

	target, err := store.GetConnection(context.Background(), targetID)
	if err != nil {
		t.Fatalf("new target not persisted: %v", err)
	}
	if target.Host != src.Host || target.Database != "reports" || target.Username != "reporter" {
		t.Fatalf("unexpected target: %+v", target)
	}

	stored, err := store.GetSyncConfig(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("GetSyncConfig: %v", err)
	}
	if stored.TargetConnectionID != targetID {
		t.Fatalf("sentinel not replaced: %s", stored.TargetConnectionID)
	}
	if stored.PendingTarget.Complete() {
		t.Fatal("pending credentials should be cleared")
	}
}

func TestEnsureTargetRejectsIncompleteFields(t *testing.T) {
	adapter := &fakeAdapter{kind: connection.EnginePostgreSQL}
	svc, _, src := newFixture(t, adapter)

	_, err := svc.EnsureTarget(context.Background(), syncconfig.Config{
		SourceConnectionID: src.ID,
		TargetConnectionID: syncconfig.TargetCreateNew,
		PendingTarget:      syncconfig.PendingTarget{Database: "reports"},
	})
	if !errors.Is(err, ErrIncompleteTarget) {
		t.Fatalf("expected ErrIncompleteTarget, got %v", err)
	}
	if len(adapter.created) != 0 {
		t.Fatal("incomplete fields must not reach the adapter")
	}
}

func TestEnsureTargetNoPartialCommitOnAdapterFailure(t *testing.T) {
	adapter := &fakeAdapter{kind: connection.EnginePostgreSQL, createErr: engine.ErrProvisioning}
	svc, store, src := newFixture(t, adapter)

	cfg, err := store.UpsertSyncConfig(context.Background(), syncconfig.Config{
		SourceConnectionID: src.ID,
		TargetConnectionID: syncconfig.TargetCreateNew,
		PendingTarget:      syncconfig.PendingTarget{Database: "reports", User: "reporter", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if _, err := svc.EnsureTarget(context.Background(), cfg); !errors.Is(err, engine.ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}

	stored, err := store.GetSyncConfig(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("GetSyncConfig: %v", err)
	}
	if stored.TargetConnectionID != syncconfig.TargetCreateNew {
		t.Fatalf("config changed after failure: %s", stored.TargetConnectionID)
	}

	conns, err := store.ListConnections(context.Background())
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("no connection may be persisted on failure, have %d", len(conns))
	}
}
