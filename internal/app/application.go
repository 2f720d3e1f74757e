// Package app wires the stores, services and lifecycle manager into one
// runnable synchronization daemon.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/engine"
	"github.com/molehq/mole/internal/app/httpapi"
	"github.com/molehq/mole/internal/app/metrics"
	"github.com/molehq/mole/internal/app/secrets"
	"github.com/molehq/mole/internal/app/services/executor"
	"github.com/molehq/mole/internal/app/services/locks"
	"github.com/molehq/mole/internal/app/services/provision"
	"github.com/molehq/mole/internal/app/services/runlog"
	"github.com/molehq/mole/internal/app/services/scheduler"
	"github.com/molehq/mole/internal/app/services/settings"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/internal/app/storage/memory"
	pgstore "github.com/molehq/mole/internal/app/storage/postgres"
	"github.com/molehq/mole/internal/app/system"
	"github.com/molehq/mole/internal/config"
	"github.com/molehq/mole/internal/platform/migrations"
	"github.com/molehq/mole/pkg/logger"
)

// Stores groups the three store interfaces so either backend can satisfy
// them with one value.
type Stores struct {
	Connections storage.ConnectionStore
	Configs     storage.SyncConfigStore
	Runs        storage.SyncRunStore
}

type Application struct {
	cfg     config.Config
	log     *logger.Logger
	db      *sql.DB
	stores  Stores
	runlog  *runlog.Service
	scratch *engine.Scratch
	manager *system.Manager
}

// New builds the full service graph. The database handle, when configured,
// is opened and migrated here so startup fails fast on a bad DSN.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	a := &Application{cfg: cfg, log: log}

	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		store := pgstore.New(db)
		a.db = db
		a.stores = Stores{Connections: store, Configs: store, Runs: store}
		log.Info("using postgres store")
	} else {
		store := memory.New()
		a.stores = Stores{Connections: store, Configs: store, Runs: store}
		log.Warn("no database configured, using in-memory store")
	}

	scratch, err := engine.NewScratch(cfg.Sync.ScratchDir, log.WithField("component", "scratch"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scratch = scratch

	timeouts := engine.Timeouts{
		Dump:    cfg.Sync.DumpTimeout,
		Restore: cfg.Sync.RestoreTimeout,
		Admin:   cfg.Sync.AdminTimeout,
	}
	runner := engine.NewRunner(log.WithField("component", "engine"))
	registry := engine.NewRegistry(
		engine.NewMySQLAdapter(runner, timeouts, log.WithField("component", "engine.mysql")),
		engine.NewPostgresAdapter(runner, timeouts, log.WithField("component", "engine.postgres")),
	)

	decryptor := secrets.NewDecryptor(cfg.SecretKey)
	m := metrics.New()
	lockMgr := locks.NewManager(log.WithField("component", "locks"))
	runLog := runlog.NewService(a.stores.Runs, log.WithField("component", "runlog"))
	provisioner := provision.NewService(a.stores.Connections, a.stores.Configs, registry, decryptor, log.WithField("component", "provision"))
	exec := executor.NewService(a.stores.Connections, a.stores.Configs, lockMgr, runLog, provisioner, registry, scratch, decryptor, m, log.WithField("component", "executor"))
	settingsSvc := settings.NewService(a.stores.Connections, a.stores.Configs, runLog, provisioner, lockMgr, exec, log.WithField("component", "settings"))
	a.runlog = runLog

	sched := scheduler.New(a.stores.Connections, a.stores.Configs, a.stores.Runs, exec, cfg.Sync.TickInterval, log.WithField("component", "scheduler"))
	if err := a.seedJobs(ctx, sched); err != nil {
		a.Close()
		return nil, err
	}

	handler := httpapi.NewHandler(settingsSvc, runLog, m, log.WithField("component", "httpapi"))

	a.manager = system.NewManager(log.WithField("component", "system"))
	a.manager.Register(newHTTPService(cfg.HTTP.Addr, handler.Router(), log))
	if cfg.Sync.Enabled {
		a.manager.Register(sched)
	} else {
		log.Warn("sync is disabled, scheduler not started")
	}

	return a, nil
}

// seedJobs materializes the file-defined sync jobs as connections and
// configs. Seeding is idempotent: connections are matched by name.
func (a *Application) seedJobs(ctx context.Context, sched *scheduler.Scheduler) error {
	for _, job := range a.cfg.Sync.Jobs {
		enum, cronSched, err := job.Schedule.Resolve()
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}

		source, err := a.findOrCreateConnection(ctx, job.Source.Connection(job.Name+" source"))
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		target, err := a.findOrCreateConnection(ctx, job.Target.Connection(job.Name+" target"))
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}

		cfg, err := a.stores.Configs.GetSyncConfig(ctx, source.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		cfg.SourceConnectionID = source.ID
		cfg.Enabled = true
		cfg.Schedule = enum
		cfg.TargetConnectionID = target.ID
		cfg.Options = job.Options.TransferOptions()
		if _, err := a.stores.Configs.UpsertSyncConfig(ctx, cfg); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}

		if cronSched != nil {
			sched.SetCronOverride(source.ID, cronSched)
		}
		a.log.WithField("job", job.Name).WithField("source", source.ID).Info("seeded sync job from config file")
	}
	return nil
}

func (a *Application) findOrCreateConnection(ctx context.Context, want connection.Connection) (connection.Connection, error) {
	existing, err := a.stores.Connections.ListConnections(ctx)
	if err != nil {
		return want, err
	}
	for _, conn := range existing {
		if conn.Name == want.Name {
			return conn, nil
		}
	}
	return a.stores.Connections.CreateConnection(ctx, want)
}

// Start reconciles crash leftovers and brings the services up.
func (a *Application) Start(ctx context.Context) error {
	if _, err := a.runlog.ReconcileStale(ctx); err != nil {
		return fmt.Errorf("reconcile stale runs: %w", err)
	}
	if _, err := a.scratch.Sweep(a.cfg.Sync.SweepOlderThan); err != nil {
		a.log.WithError(err).Warn("scratch sweep failed")
	}
	return a.manager.StartAll(ctx)
}

// Run starts the application and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.manager.StopAll(stopCtx)
	a.Close()
	return nil
}

// Close releases held resources. Safe to call more than once.
func (a *Application) Close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// httpService adapts net/http to the system.Service lifecycle.
type httpService struct {
	server *http.Server
	log    *logger.Logger
	errCh  chan error
}

func newHTTPService(addr string, handler http.Handler, log *logger.Logger) *httpService {
	return &httpService{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:   log.WithField("component", "http"),
		errCh: make(chan error, 1),
	}
}

func (s *httpService) Name() string { return "http" }

func (s *httpService) Start(context.Context) error {
	s.log.WithField("addr", s.server.Addr).Info("http server listening")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server failed")
			s.errCh <- err
		}
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
