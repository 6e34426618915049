package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"logbridge/internal/config"
	"logbridge/internal/engine"
	"logbridge/internal/logging"
)

func main() {
	logging.InitFromEnv()

	var cfgPath, provider string
	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if provider != "" {
			cfg.Provider = provider
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:          "logbridge",
		Short:        "Bridge a partitioned log into per-queue receivers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "logbridge.yml", "YAML config file (optional)")
	root.PersistentFlags().StringVar(&provider, "provider", "", "Provider name (overrides the config file)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a receiver for every queue and serve health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Bootstrap(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			if err := e.Run(ctx); err != nil {
				return fmt.Errorf("engine: %w", err)
			}
			return nil
		},
	}
	root.AddCommand(serveCmd)

	root.AddCommand(
		newPartitionsCommand(load),
		newPublishCommand(load),
		newTailCommand(load),
		newHealthCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
