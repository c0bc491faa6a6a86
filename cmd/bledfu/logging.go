package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/pkg/config"
)

// configureLogger builds the logger for a command. --log-level wins over
// --verbose, which wins over the config file. Logs go to stderr so they
// never mix with command output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()
	logger.SetOutput(os.Stderr)

	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		switch levelStr {
		case "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
		}
		level, _ := logrus.ParseLevel(levelStr)
		logger.SetLevel(level)
		return logger, nil
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger, nil
}
