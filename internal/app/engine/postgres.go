package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/pkg/logger"
)

// maintenanceDB is the database administrative statements run against.
const maintenanceDB = "postgres"

// PostgresAdapter transfers databases with pg_dump, pg_restore and psql.
type PostgresAdapter struct {
	runner   Runner
	timeouts Timeouts
	log      *logger.Logger
}

var _ Adapter = (*PostgresAdapter)(nil)

func NewPostgresAdapter(runner Runner, timeouts Timeouts, log *logger.Logger) *PostgresAdapter {
	if log == nil {
		log = logger.NewDefault("engine.postgres")
	}
	return &PostgresAdapter{runner: runner, timeouts: timeouts, log: log}
}

func (a *PostgresAdapter) Kind() connection.Engine { return connection.EnginePostgreSQL }

func pgBaseArgs(conn connection.Connection) []string {
	return []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(conn.Port),
		"--username=" + conn.Username,
		"--no-password",
	}
}

func pgEnv(conn connection.Connection) []string {
	sslmode := "prefer"
	if conn.SSLEnabled {
		sslmode = "require"
	}
	return []string{"PGPASSWORD=" + conn.Password, "PGSSLMODE=" + sslmode}
}

// quotePgIdent double-quotes an identifier.
func quotePgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quotePgLiteral single-quotes a string literal.
func quotePgLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (a *PostgresAdapter) Dump(ctx context.Context, src connection.Connection, opts syncconfig.TransferOptions, artifactPath string) error {
	args := append(pgBaseArgs(src), "--format=custom", "--file="+artifactPath)
	if opts.StructureOnly {
		args = append(args, "--schema-only")
	}
	for _, tbl := range opts.TablesOnly {
		args = append(args, "--table="+tbl)
	}
	for _, tbl := range opts.TablesExclude {
		args = append(args, "--exclude-table="+tbl)
	}
	args = append(args, src.Database)

	err := a.runner.Run(ctx, Command{
		Name:    "pg_dump",
		Args:    args,
		Env:     pgEnv(src),
		Timeout: a.timeouts.Dump,
	})
	return classify(err, ErrDumpTool)
}

func (a *PostgresAdapter) PrepareTarget(ctx context.Context, target connection.Connection, dropFirst bool) error {
	if !dropFirst {
		return nil
	}
	db := quotePgIdent(target.Database)

	err := a.runner.Run(ctx, Command{
		Name: "psql",
		Args: append(pgBaseArgs(target),
			"--dbname="+maintenanceDB,
			"-v", "ON_ERROR_STOP=1",
			// FORCE terminates lingering sessions so a connected client
			// cannot wedge the drop.
			"-c", "DROP DATABASE IF EXISTS "+db+" WITH (FORCE);",
			"-c", "CREATE DATABASE "+db+";",
		),
		Env:     pgEnv(target),
		Timeout: a.timeouts.Admin,
	})
	return classify(err, ErrTargetPrep)
}

func (a *PostgresAdapter) Restore(ctx context.Context, target connection.Connection, artifactPath string) error {
	err := a.runner.Run(ctx, Command{
		Name: "pg_restore",
		Args: append(pgBaseArgs(target),
			"--dbname="+target.Database,
			"--no-owner",
			"--no-privileges",
			artifactPath,
		),
		Env:     pgEnv(target),
		Timeout: a.timeouts.Restore,
	})
	return classify(err, ErrRestoreTool)
}

func (a *PostgresAdapter) CreateDatabaseAndUser(ctx context.Context, admin connection.Connection, dbName, user, password string) error {
	baseArgs := append(pgBaseArgs(admin), "--dbname="+maintenanceDB)
	userIdent := quotePgIdent(user)
	dbIdent := quotePgIdent(dbName)

	// CREATE ROLE has no tolerated "already exists" path: reusing an existing
	// login with unknown privileges is worse than failing.
	err := a.runner.Run(ctx, Command{
		Name:    "psql",
		Args:    append(baseArgs, "-v", "ON_ERROR_STOP=1", "-c", "CREATE USER "+userIdent+" WITH LOGIN PASSWORD "+quotePgLiteral(password)+";"),
		Env:     pgEnv(admin),
		Timeout: a.timeouts.Admin,
	})
	if err != nil {
		return classify(err, ErrProvisioning)
	}

	err = a.runner.Run(ctx, Command{
		Name:    "psql",
		Args:    append(baseArgs, "-v", "ON_ERROR_STOP=1", "-c", "CREATE DATABASE "+dbIdent+" OWNER "+userIdent+";"),
		Env:     pgEnv(admin),
		Timeout: a.timeouts.Admin,
	})
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "already exists") {
			a.log.WithField("database", dbName).Warn("database already exists, reusing it")
		} else {
			return classify(err, ErrProvisioning)
		}
	}

	err = a.runner.Run(ctx, Command{
		Name:    "psql",
		Args:    append(baseArgs, "-v", "ON_ERROR_STOP=1", "-c", fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s;", dbIdent, userIdent)),
		Env:     pgEnv(admin),
		Timeout: a.timeouts.Admin,
	})
	return classify(err, ErrProvisioning)
}
