// Package cmd implements the fwguard subcommands.
package cmd

import (
	"fmt"
	"os"

	"grimm.is/fwguard/internal/config"
	"grimm.is/fwguard/internal/i18n"
	"grimm.is/fwguard/internal/logging"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// newLogger builds the process logger from the logging block and installs
// it as the default.
func newLogger(cfg *config.LoggingConfig) *logging.Logger {
	lc := logging.DefaultConfig()
	if cfg != nil {
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v, using info\n", err)
		}
		lc.Level = level
		lc.JSON = cfg.JSON
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger
}

// openConfig loads the configuration file. A missing file yields the
// defaults so a fresh install can start in alert mode.
func openConfig(path string) (*config.FileStore, error) {
	store, err := config.Open(path)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return store, nil
}
