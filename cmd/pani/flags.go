package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ilya-Muromets/Pani/config"
)

func validateLogFlags(opts *globalOptions) error {
	if !contains([]string{"debug", "info", "warn", "error"}, opts.LogLevel) {
		return fmt.Errorf("invalid log level: %s", opts.LogLevel)
	}
	if !contains([]string{"json", "text"}, opts.LogFormat) {
		return fmt.Errorf("invalid log format: %s", opts.LogFormat)
	}
	return nil
}

// loadConfig reads the configuration file, or the defaults when none is set.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", opts.ConfigPath)
		}
	}
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// logSettings picks the log level and format: an explicit flag or env var
// wins over the config file.
func logSettings(cmd *cobra.Command, opts *globalOptions, cfg *config.Config) (level, format string) {
	level, format = opts.LogLevel, opts.LogFormat
	if cfg == nil {
		return level, format
	}
	if !cmd.Flags().Changed("log-level") && os.Getenv("PANI_LOG_LEVEL") == "" && cfg.Log.Level != "" {
		level = cfg.Log.Level
	}
	if !cmd.Flags().Changed("log-format") && os.Getenv("PANI_LOG_FORMAT") == "" && cfg.Log.Format != "" {
		format = cfg.Log.Format
	}
	return level, format
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
