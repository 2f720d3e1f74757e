package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/pkg/logger"
)

// MySQLAdapter transfers databases with mysqldump and the mysql client.
type MySQLAdapter struct {
	runner   Runner
	timeouts Timeouts
	log      *logger.Logger
}

var _ Adapter = (*MySQLAdapter)(nil)

func NewMySQLAdapter(runner Runner, timeouts Timeouts, log *logger.Logger) *MySQLAdapter {
	if log == nil {
		log = logger.NewDefault("engine.mysql")
	}
	return &MySQLAdapter{runner: runner, timeouts: timeouts, log: log}
}

func (a *MySQLAdapter) Kind() connection.Engine { return connection.EngineMySQL }

func mysqlBaseArgs(conn connection.Connection) []string {
	args := []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(conn.Port),
		"--user=" + conn.Username,
	}
	if conn.SSLEnabled {
		args = append(args, "--ssl-mode=REQUIRED")
	}
	return args
}

func mysqlEnv(conn connection.Connection) []string {
	return []string{"MYSQL_PWD=" + conn.Password}
}

// quoteMySQLIdent backtick-quotes an identifier.
func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *MySQLAdapter) Dump(ctx context.Context, src connection.Connection, opts syncconfig.TransferOptions, artifactPath string) error {
	args := append(mysqlBaseArgs(src),
		"--single-transaction",
		"--skip-lock-tables",
		"--routines",
		"--triggers",
	)
	if opts.StructureOnly {
		args = append(args, "--no-data")
	}
	for _, tbl := range opts.TablesExclude {
		args = append(args, fmt.Sprintf("--ignore-table=%s.%s", src.Database, tbl))
	}
	args = append(args, "--result-file="+artifactPath, src.Database)
	// An include list restricts the dump to exactly those tables.
	args = append(args, opts.TablesOnly...)

	err := a.runner.Run(ctx, Command{
		Name:    "mysqldump",
		Args:    args,
		Env:     mysqlEnv(src),
		Timeout: a.timeouts.Dump,
	})
	return classify(err, ErrDumpTool)
}

func (a *MySQLAdapter) PrepareTarget(ctx context.Context, target connection.Connection, dropFirst bool) error {
	if !dropFirst {
		return nil
	}
	db := quoteMySQLIdent(target.Database)
	script := fmt.Sprintf("DROP DATABASE IF EXISTS %s; CREATE DATABASE %s;", db, db)

	err := a.runner.Run(ctx, Command{
		Name:    "mysql",
		Args:    append(mysqlBaseArgs(target), "-e", script),
		Env:     mysqlEnv(target),
		Timeout: a.timeouts.Admin,
	})
	return classify(err, ErrTargetPrep)
}

func (a *MySQLAdapter) Restore(ctx context.Context, target connection.Connection, artifactPath string) error {
	artifact, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("%w: open artifact: %w", ErrRestoreTool, err)
	}
	defer artifact.Close()

	err = a.runner.Run(ctx, Command{
		Name:    "mysql",
		Args:    append(mysqlBaseArgs(target), target.Database),
		Env:     mysqlEnv(target),
		Stdin:   artifact,
		Timeout: a.timeouts.Restore,
	})
	return classify(err, ErrRestoreTool)
}

func (a *MySQLAdapter) CreateDatabaseAndUser(ctx context.Context, admin connection.Connection, dbName, user, password string) error {
	db := quoteMySQLIdent(dbName)
	// CREATE USER without IF NOT EXISTS fails when the user already exists,
	// which is the required behavior.
	script := strings.Join([]string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s;", db),
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s';", escapeMySQLString(user), escapeMySQLString(password)),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO '%s'@'%%';", db, escapeMySQLString(user)),
		"FLUSH PRIVILEGES;",
	}, " ")

	err := a.runner.Run(ctx, Command{
		Name:    "mysql",
		Args:    append(mysqlBaseArgs(admin), "-e", script),
		Env:     mysqlEnv(admin),
		Timeout: a.timeouts.Admin,
	})
	return classify(err, ErrProvisioning)
}

func escapeMySQLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
