// Package logger configures the process-wide logrus logger, the way
// cmd/praefect/main.go calls conf.ConfigureLogger() against a package-level
// logger before doing anything else.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// Default returns the process-wide field logger.
func Default() logrus.FieldLogger {
	return std
}

// Config describes how to set up the logger. cmd/pg_autoctl fills Level
// from the PG_AUTOCTL_LOG_LEVEL environment variable; the node config file
// has no logging section.
type Config struct {
	// Level is one of trace, debug, info, warn, error, fatal (FATAL, ERROR,
	// WARN, INFO, DEBUG, TRACE lowercased to match logrus).
	Level string
	// Format is "text" or "json".
	Format string
	// Output is where logs are written; nil defaults to stderr.
	Output io.Writer
}

// Configure applies cfg to the process-wide logger. An empty Level leaves
// the level untouched (defaults to info, logrus's own default).
func Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		std.SetLevel(lvl)
	}

	switch cfg.Format {
	case "json":
		std.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		std.SetOutput(cfg.Output)
	} else {
		std.SetOutput(os.Stderr)
	}

	return nil
}
