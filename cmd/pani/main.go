// Package main implements the pani command: burst capture against a
// simulated or NATS-bridged camera, writing matched frames to a sink.
//
// Usage:
//
//	pani burst --config pani.yaml
//	pani burst --frames 50 --fps 10 --sink discard
//	pani relay --config camera.yaml
//	pani validate --config pani.yaml
//	pani version
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "pani"

// globalOptions are the flags every command shares
type globalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Burst capture with frame and metadata correlation",
		Long: `pani drives a camera at a fixed cadence, pairs every raw image with
the metadata of the request that produced it, and hands the pairs to a sink
in submission order.`,
		Version:       fmt.Sprintf("%s (build %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c",
		getEnv("PANI_CONFIG", ""),
		"Path to configuration file, .json/.yaml/.yml (env: PANI_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level",
		getEnv("PANI_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PANI_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format",
		getEnv("PANI_LOG_FORMAT", "json"),
		"Log format: json, text (env: PANI_LOG_FORMAT)")

	rootCmd.AddCommand(burstCmd(opts))
	rootCmd.AddCommand(relayCmd(opts))
	rootCmd.AddCommand(validateCmd(opts))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\nbuild: %s\ngo: %s\n",
				appName, Version, BuildTime, runtime.Version())
		},
	}
}
