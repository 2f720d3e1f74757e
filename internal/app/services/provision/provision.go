// Package provision creates target databases for the "create new target"
// flow and persists the resulting connection record.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/internal/app/engine"
	"github.com/molehq/mole/internal/app/secrets"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

// ErrIncompleteTarget means the create-new sentinel was set without the full
// set of new-target credentials.
var ErrIncompleteTarget = errors.New("new target requires database name, user and password")

type Service struct {
	connections storage.ConnectionStore
	configs     storage.SyncConfigStore
	registry    *engine.Registry
	decryptor   *secrets.Decryptor
	log         *logger.Logger
}

func NewService(connections storage.ConnectionStore, configs storage.SyncConfigStore, registry *engine.Registry, decryptor *secrets.Decryptor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("provision")
	}
	return &Service{
		connections: connections,
		configs:     configs,
		registry:    registry,
		decryptor:   decryptor,
		log:         log,
	}
}

// EnsureTarget resolves the config's target to a real connection id,
// provisioning a new database and login on the source's server when the
// create-new sentinel is set. On failure nothing is persisted: the stored
// config keeps its sentinel so the operator can retry or fix the input.
func (s *Service) EnsureTarget(ctx context.Context, cfg syncconfig.Config) (string, error) {
	if !cfg.NeedsProvisioning() {
		if cfg.TargetConnectionID == "" {
			return "", fmt.Errorf("%w: no target selected", ErrIncompleteTarget)
		}
		if _, err := s.connections.GetConnection(ctx, cfg.TargetConnectionID); err != nil {
			return "", fmt.Errorf("resolve target %s: %w", cfg.TargetConnectionID, err)
		}
		return cfg.TargetConnectionID, nil
	}

	pending := cfg.PendingTarget
	if !pending.Complete() {
		return "", ErrIncompleteTarget
	}

	source, err := s.connections.GetConnection(ctx, cfg.SourceConnectionID)
	if err != nil {
		return "", fmt.Errorf("load source connection: %w", err)
	}

	adapter, err := s.registry.Lookup(source.Engine)
	if err != nil {
		return "", err
	}

	// The new database lives on the source's server; the source credentials
	// act as the admin login.
	admin := source
	admin.Password, err = s.decryptor.Decrypt(source.Password)
	if err != nil {
		return "", fmt.Errorf("decrypt admin password: %w", err)
	}

	if err := adapter.CreateDatabaseAndUser(ctx, admin, pending.Database, pending.User, pending.Password); err != nil {
		return "", err
	}

	target, err := s.connections.CreateConnection(ctx, connection.Connection{
		Name:       pending.Database + " (sync target)",
		Engine:     source.Engine,
		Host:       source.Host,
		Port:       source.Port,
		Database:   pending.Database,
		Username:   pending.User,
		Password:   pending.Password,
		SSLEnabled: source.SSLEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("persist target connection: %w", err)
	}

	cfg.TargetConnectionID = target.ID
	cfg.PendingTarget = syncconfig.PendingTarget{}
	if _, err := s.configs.UpsertSyncConfig(ctx, cfg); err != nil {
		return "", fmt.Errorf("persist sync config: %w", err)
	}

	s.log.WithField("source", cfg.SourceConnectionID).
		WithField("target", target.ID).
		Info("provisioned new sync target")
	return target.ID, nil
}
