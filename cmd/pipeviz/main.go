package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pipeviz/internal/gateway/app"
	"pipeviz/internal/gateway/config"
	"pipeviz/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pipeviz",
		Short:         "Pipeline state and notification server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), graphCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var overrides config.Overrides
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(overrides)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			if err := a.Run(ctx); err != nil {
				return err
			}
			logger.Info("server exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&overrides.Port, "port", "", "Listen address, overrides PORT (default :8081)")
	cmd.Flags().StringVar(&overrides.StepsConfig, "steps", "", "Step config file, overrides STEPS_CONFIG")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
