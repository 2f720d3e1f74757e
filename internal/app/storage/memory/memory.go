package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/domain/syncrun"
	"github.com/molehq/mole/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	connections map[string]connection.Connection
	configs     map[string]syncconfig.Config
	runs        map[string]syncrun.Run
	runsBySrc   map[string][]string // run ids in creation order
}

var _ storage.ConnectionStore = (*Store)(nil)
var _ storage.SyncConfigStore = (*Store)(nil)
var _ storage.SyncRunStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		connections: make(map[string]connection.Connection),
		configs:     make(map[string]syncconfig.Config),
		runs:        make(map[string]syncrun.Run),
		runsBySrc:   make(map[string][]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// ConnectionStore implementation ----------------------------------------------

func (s *Store) CreateConnection(_ context.Context, conn connection.Connection) (connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.ID == "" {
		conn.ID = s.nextIDLocked()
	} else if _, exists := s.connections[conn.ID]; exists {
		return connection.Connection{}, fmt.Errorf("connection %s already exists", conn.ID)
	}

	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	s.connections[conn.ID] = conn
	return conn, nil
}

func (s *Store) GetConnection(_ context.Context, id string) (connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[id]
	if !ok {
		return connection.Connection{}, fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
	}
	return conn, nil
}

func (s *Store) ListConnections(_ context.Context) ([]connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]connection.Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		result = append(result, conn)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) SetLastSuccessfulSync(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
	}
	conn.LastSuccessfulSyncAt = at.UTC()
	conn.UpdatedAt = time.Now().UTC()
	s.connections[id] = conn
	return nil
}

// SyncConfigStore implementation ----------------------------------------------

func (s *Store) GetSyncConfig(_ context.Context, sourceConnectionID string) (syncconfig.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[sourceConnectionID]
	if !ok {
		return syncconfig.Config{}, fmt.Errorf("sync config for %s: %w", sourceConnectionID, storage.ErrNotFound)
	}
	cfg.Options = cfg.Options.Clone()
	return cfg, nil
}

func (s *Store) UpsertSyncConfig(_ context.Context, cfg syncconfig.Config) (syncconfig.Config, error) {
	if cfg.SourceConnectionID == "" {
		return syncconfig.Config{}, fmt.Errorf("source connection id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.configs[cfg.SourceConnectionID]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cfg.Options = cfg.Options.Clone()

	s.configs[cfg.SourceConnectionID] = cfg
	return cfg, nil
}

func (s *Store) ListEnabledSyncConfigs(_ context.Context) ([]syncconfig.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []syncconfig.Config
	for _, cfg := range s.configs {
		if !cfg.Enabled {
			continue
		}
		cfg.Options = cfg.Options.Clone()
		result = append(result, cfg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SourceConnectionID < result[j].SourceConnectionID
	})
	return result, nil
}

// SyncRunStore implementation ---------------------------------------------------

func (s *Store) CreateRun(_ context.Context, run syncrun.Run) (syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = s.nextIDLocked()
	} else if _, exists := s.runs[run.ID]; exists {
		return syncrun.Run{}, fmt.Errorf("run %s already exists", run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Options = run.Options.Clone()

	s.runs[run.ID] = run
	s.runsBySrc[run.SourceConnectionID] = append(s.runsBySrc[run.SourceConnectionID], run.ID)
	return run, nil
}

func (s *Store) FinalizeRun(_ context.Context, run syncrun.Run) (syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return syncrun.Run{}, fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return syncrun.Run{}, fmt.Errorf("run %s already finalized", run.ID)
	}
	if !run.Status.Terminal() {
		return syncrun.Run{}, fmt.Errorf("run %s: finalize requires a terminal status", run.ID)
	}

	existing.Status = run.Status
	existing.Phase = run.Phase
	existing.Message = run.Message
	existing.TargetConnectionID = run.TargetConnectionID
	existing.FinishedAt = run.FinishedAt
	if existing.FinishedAt.IsZero() {
		existing.FinishedAt = time.Now().UTC()
	}

	s.runs[run.ID] = existing
	return existing, nil
}

func (s *Store) GetRun(_ context.Context, id string) (syncrun.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return syncrun.Run{}, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	run.Options = run.Options.Clone()
	return run, nil
}

func (s *Store) LatestRun(_ context.Context, sourceConnectionID string) (syncrun.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.runsBySrc[sourceConnectionID]
	if len(ids) == 0 {
		return syncrun.Run{}, fmt.Errorf("no runs for %s: %w", sourceConnectionID, storage.ErrNotFound)
	}
	run := s.runs[ids[len(ids)-1]]
	run.Options = run.Options.Clone()
	return run, nil
}

func (s *Store) ListRuns(_ context.Context, sourceConnectionID string, limit int) ([]syncrun.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.runsBySrc[sourceConnectionID]
	result := make([]syncrun.Run, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		run := s.runs[ids[i]]
		run.Options = run.Options.Clone()
		result = append(result, run)
	}
	return result, nil
}

func (s *Store) MarkStaleRunsFailed(_ context.Context, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for id, run := range s.runs {
		if run.Status.Terminal() {
			continue
		}
		run.Status = syncrun.StatusFailed
		run.Phase = syncrun.PhaseUnknown
		run.Message = message
		run.FinishedAt = now
		s.runs[id] = run
		count++
	}
	return count, nil
}
