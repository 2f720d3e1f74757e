// Package engine shells out to the native dump and restore tools of each
// supported database engine behind one uniform adapter contract.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
)

// Adapter is the per-engine transfer contract. All operations block until the
// external tool exits; callers run them off the scheduler loop.
type Adapter interface {
	Kind() connection.Engine

	// Dump writes a transportable representation of the source database to
	// artifactPath, honoring the transfer options.
	Dump(ctx context.Context, src connection.Connection, opts syncconfig.TransferOptions, artifactPath string) error

	// PrepareTarget drops and recreates the target database when dropFirst is
	// set. A missing database during drop is not an error. No-op otherwise.
	PrepareTarget(ctx context.Context, target connection.Connection, dropFirst bool) error

	// Restore loads a previously dumped artifact into the target database.
	Restore(ctx context.Context, target connection.Connection, artifactPath string) error

	// CreateDatabaseAndUser provisions a new database and a login restricted
	// to it on the server behind admin. An existing database is tolerated with
	// a warning; an existing user is a hard failure.
	CreateDatabaseAndUser(ctx context.Context, admin connection.Connection, dbName, user, password string) error
}

// Timeouts caps the individual external operations.
type Timeouts struct {
	Dump    time.Duration
	Restore time.Duration
	Admin   time.Duration
}

// DefaultTimeouts suits small to medium databases.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Dump:    30 * time.Minute,
		Restore: 30 * time.Minute,
		Admin:   2 * time.Minute,
	}
}

// Registry resolves adapters by engine kind.
type Registry struct {
	adapters map[connection.Engine]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[connection.Engine]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

func (r *Registry) Lookup(kind connection.Engine) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, kind)
	}
	return a, nil
}
