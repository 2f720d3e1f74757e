// Package config loads the process configuration from a YAML file, MOLE_
// environment overrides and fail-safe defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/molehq/mole/internal/app/domain/connection"
	"github.com/molehq/mole/internal/app/domain/syncconfig"
	"github.com/molehq/mole/pkg/logger"
)

type Config struct {
	HTTP      HTTPConfig           `mapstructure:"http"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	SecretKey string               `mapstructure:"secret_key"`
	Sync      SyncConfig           `mapstructure:"sync"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig points at the store backing connections, configs and the
// run log. An empty DSN selects the in-memory store (dev mode).
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SyncConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
	SweepOlderThan time.Duration `mapstructure:"sweep_older_than"`
	DumpTimeout    time.Duration `mapstructure:"dump_timeout"`
	RestoreTimeout time.Duration `mapstructure:"restore_timeout"`
	AdminTimeout   time.Duration `mapstructure:"admin_timeout"`
	Jobs           []JobConfig   `mapstructure:"jobs"`
}

// JobConfig is a named sync configuration defined in the file rather than
// through the settings API. Jobs are seeded into the store at startup.
type JobConfig struct {
	Name     string         `mapstructure:"name"`
	Source   EndpointConfig `mapstructure:"source"`
	Target   EndpointConfig `mapstructure:"target"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Options  OptionsConfig  `mapstructure:"options"`
}

type EndpointConfig struct {
	Engine   string `mapstructure:"engine"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSL      bool   `mapstructure:"ssl"`
}

type ScheduleConfig struct {
	Frequency string `mapstructure:"frequency"` // hourly|daily|weekly|monthly|custom-cron
	Cron      string `mapstructure:"cron"`      // required for custom-cron
}

type OptionsConfig struct {
	TablesOnly      []string `mapstructure:"tables_only"`
	TablesExclude   []string `mapstructure:"tables_exclude"`
	StructureOnly   bool     `mapstructure:"structure_only"`
	DropTargetFirst bool     `mapstructure:"drop_target_first"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("secret_key", "")
	// Sync ships disabled: a fresh or recreated config never starts moving
	// data on its own.
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.tick_interval", "60s")
	v.SetDefault("sync.scratch_dir", "")
	v.SetDefault("sync.sweep_older_than", "24h")
	v.SetDefault("sync.dump_timeout", "30m")
	v.SetDefault("sync.restore_timeout", "30m")
	v.SetDefault("sync.admin_timeout", "2m")
}

// Load reads the config file at path. A missing file is recreated with the
// fail-safe defaults (sync disabled) and those defaults are returned.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mole")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mole")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			if path != "" {
				if writeErr := v.SafeWriteConfigAs(path); writeErr != nil {
					return Config{}, fmt.Errorf("recreate config file %s: %w", path, writeErr)
				}
			}
		} else {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Sync.TickInterval <= 0 {
		return errors.New("sync.tick_interval must be positive")
	}
	for i, job := range c.Sync.Jobs {
		if job.Name == "" {
			return fmt.Errorf("sync.jobs[%d]: name is required", i)
		}
		if _, _, err := job.Schedule.Resolve(); err != nil {
			return fmt.Errorf("sync.jobs[%d] (%s): %w", i, job.Name, err)
		}
		for _, ep := range []struct {
			label string
			cfg   EndpointConfig
		}{{"source", job.Source}, {"target", job.Target}} {
			switch connection.Engine(ep.cfg.Engine) {
			case connection.EngineMySQL, connection.EnginePostgreSQL:
			default:
				return fmt.Errorf("sync.jobs[%d] (%s): unsupported %s engine %q", i, job.Name, ep.label, ep.cfg.Engine)
			}
			if ep.cfg.Host == "" || ep.cfg.Database == "" {
				return fmt.Errorf("sync.jobs[%d] (%s): %s host and database are required", i, job.Name, ep.label)
			}
		}
	}
	return nil
}

// Resolve maps the file frequency onto the store schedule enum plus an
// optional cron schedule. Monthly and custom-cron have no enum equivalent,
// so they store "never" and drive the scheduler through the cron override.
func (s ScheduleConfig) Resolve() (syncconfig.Schedule, cron.Schedule, error) {
	switch s.Frequency {
	case "hourly":
		return syncconfig.ScheduleHourly, nil, nil
	case "daily":
		return syncconfig.ScheduleDaily, nil, nil
	case "weekly":
		return syncconfig.ScheduleWeekly, nil, nil
	case "monthly":
		sched, err := cron.ParseStandard("0 0 1 * *")
		if err != nil {
			return "", nil, err
		}
		return syncconfig.ScheduleNever, sched, nil
	case "custom-cron":
		if s.Cron == "" {
			return "", nil, errors.New("custom-cron frequency requires a cron expression")
		}
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return "", nil, fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
		return syncconfig.ScheduleNever, sched, nil
	case "", "never":
		return syncconfig.ScheduleNever, nil, nil
	default:
		return "", nil, fmt.Errorf("unknown frequency %q", s.Frequency)
	}
}

// Connection converts a file endpoint into a connection record.
func (e EndpointConfig) Connection(name string) connection.Connection {
	return connection.Connection{
		Name:       name,
		Engine:     connection.Engine(e.Engine),
		Host:       e.Host,
		Port:       e.Port,
		Database:   e.Database,
		Username:   e.Username,
		Password:   e.Password,
		SSLEnabled: e.SSL,
	}
}

// TransferOptions converts the file options block.
func (o OptionsConfig) TransferOptions() syncconfig.TransferOptions {
	return syncconfig.TransferOptions{
		TablesOnly:      o.TablesOnly,
		TablesExclude:   o.TablesExclude,
		StructureOnly:   o.StructureOnly,
		DropTargetFirst: o.DropTargetFirst,
	}
}
