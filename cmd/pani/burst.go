package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/config"
)

// burstOptions override the configuration file for one run
type burstOptions struct {
	Frames          int
	FPS             float64
	Camera          string
	Source          string
	Sink            string
	Dir             string
	MetricsPort     int
	Progress        bool
	Output          string
	ShutdownTimeout time.Duration
}

func burstCmd(global *globalOptions) *cobra.Command {
	opts := &burstOptions{}

	cmd := &cobra.Command{
		Use:   "burst",
		Short: "Capture one burst of frames",
		Long: `Capture one burst: submit requests at the target rate, pair every image
with its request metadata, and write the pairs to the configured sink.

The burst ends after --frames requests, on a sink failure, or on SIGINT or
SIGTERM. Pending requests are drained before the process exits.

Examples:
  # 50 frames at 10 fps from the simulated camera into ./captures
  pani burst --frames 50 --fps 10 --dir captures

  # Unbounded burst from a bridged camera, stop with Ctrl-C
  pani burst -c pani.yaml --source nats --frames 0

  # Measure throughput without writing anything
  pani burst --sink discard -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBurst(cmd, global, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Frames, "frames", "n", -1, "Requests to submit, 0 for unbounded (default from config)")
	cmd.Flags().Float64Var(&opts.FPS, "fps", 0, "Target request rate (default from config)")
	cmd.Flags().StringVar(&opts.Camera, "camera", "", "Camera: MAIN, UW, TELE, 2X, 5X")
	cmd.Flags().StringVar(&opts.Source, "source", "", "Frame source: simulated, nats")
	cmd.Flags().StringVar(&opts.Sink, "sink", "", "Sink: file, objectstore, discard")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "Output directory for the file sink")
	cmd.Flags().IntVar(&opts.MetricsPort, "metrics-port",
		getEnvInt("PANI_METRICS_PORT", 0),
		"Serve /metrics and /health on this port, 0 keeps the config (env: PANI_METRICS_PORT)")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "Serve websocket progress updates")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "json", "Summary format: json, yaml, text")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PANI_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Time allowed for draining after a stop (env: PANI_SHUTDOWN_TIMEOUT)")

	return cmd
}

// apply merges command-line overrides into cfg
func (o *burstOptions) apply(cfg *config.Config) {
	if o.Frames >= 0 {
		cfg.Capture.MaxFrames = o.Frames
	}
	if o.FPS > 0 {
		cfg.Capture.TargetFPS = o.FPS
	}
	if o.Camera != "" {
		cfg.Capture.Camera = o.Camera
	}
	if o.Source != "" {
		cfg.Source.Type = o.Source
	}
	if o.Sink != "" {
		cfg.Sink.Type = o.Sink
	}
	if o.Dir != "" {
		cfg.Sink.Dir = o.Dir
	}
	if o.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = o.MetricsPort
	}
	if o.Progress {
		cfg.Progress.Enabled = true
	}
}

func runBurst(cmd *cobra.Command, global *globalOptions, opts *burstOptions) error {
	if err := validateLogFlags(global); err != nil {
		return err
	}
	if !contains([]string{"json", "yaml", "text"}, opts.Output) {
		return fmt.Errorf("invalid output format: %s", opts.Output)
	}

	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, format := logSettings(cmd, global, cfg)
	logger := setupLogger(level, format, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting burst",
		"camera", cfg.Capture.Camera,
		"target_fps", cfg.Capture.TargetFPS,
		"max_frames", cfg.Capture.MaxFrames,
		"source", cfg.Source.Type,
		"sink", cfg.Sink.Type)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, runErr := a.RunBurst(ctx, opts.ShutdownTimeout)
	logger.Info("Burst finished",
		"session_id", stats.SessionID,
		"matched", stats.Matched,
		"stop_reason", stats.StopReason)

	if err := writeStats(cmd.OutOrStdout(), opts.Output, stats); err != nil {
		return err
	}
	return runErr
}

func writeStats(w io.Writer, format string, stats capture.Stats) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(stats)
	case "text":
		_, err := fmt.Fprintf(w,
			"session %s: %d submitted, %d matched, %d no image, %d mismatch, %d stale, %d torn down (stop: %s)\n",
			stats.SessionID, stats.Submitted, stats.Matched, stats.NoImage, stats.Mismatch,
			stats.Stale, stats.TornDown, stats.StopReason)
		return err
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
}
