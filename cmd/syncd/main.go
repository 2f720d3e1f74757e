// Command syncd runs the database synchronization daemon: the scheduler,
// the sync settings API and the run log behind it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/molehq/mole/internal/app"
	"github.com/molehq/mole/internal/config"
	"github.com/molehq/mole/pkg/logger"
)

func main() {
	configPath := flag.String("config", "mole.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging).WithField("service", "syncd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	log.Info("syncd starting")
	if err := application.Run(ctx); err != nil {
		return err
	}
	log.Info("syncd stopped")
	return nil
}
