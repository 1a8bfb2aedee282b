package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aki/wesd/internal/core/config"
	"github.com/aki/wesd/internal/core/logger"
)

// Global flags for logging configuration
var (
	flagLogLevel  string
	flagLogFormat string
)

// RegisterLoggerFlags registers global logging flags
func RegisterLoggerFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides logging.level")
	cmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json); overrides logging.format")
}

// CreateLogger creates a stderr logger from the configuration, with CLI
// flags taking precedence
func CreateLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	levelName, formatName := cfg.Level, cfg.Format
	if flagLogLevel != "" {
		levelName = flagLogLevel
	}
	if flagLogFormat != "" {
		formatName = flagLogFormat
	}

	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}

	return logger.New(
		logger.WithLevel(level),
		logger.WithFormat(format),
		logger.WithOutput(os.Stderr),
	), nil
}
