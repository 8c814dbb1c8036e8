package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ilya-Muromets/Pani/source/natsbridge"
	"github.com/Ilya-Muromets/Pani/source/simulated"
)

func relayCmd(global *globalOptions) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the simulated camera over NATS",
		Long: `Serve the simulated camera to remote bursts. Capture requests published
on <prefix>.requests are executed locally; images and completions are
published on <prefix>.images and <prefix>.completions.

Examples:
  # Serve a camera for "pani burst --source nats"
  pani relay -c camera.yaml --prefix pani.camera`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateLogFlags(global); err != nil {
				return err
			}
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if prefix != "" {
				cfg.Source.Bridge.SubjectPrefix = prefix
			}
			if cfg.NATS.URL == "" || cfg.Source.Bridge.SubjectPrefix == "" {
				return fmt.Errorf("relay needs nats.url and source.bridge.subject_prefix")
			}

			level, format := logSettings(cmd, global, cfg)
			logger := setupLogger(level, format, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			nc, err := connectNATS(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer nc.Close(context.Background())

			camera := simulated.New(simulatedConfig(cfg), logger)
			relay := natsbridge.NewRelay(nc, camera, cfg.Source.Bridge.SubjectPrefix, logger)
			return relay.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Subject prefix (default from config)")
	return cmd
}
