package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ksi-project/ksid/internal/config"
	"github.com/ksi-project/ksid/internal/daemon"
)

const defaultConfigPath = "ksid.yaml"

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("KSI_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No config file: run entirely on defaults + env overrides.
		cfg := &config.Config{}
		return config.Finalize(cfg)
	}
	return config.Load(path)
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the KSI daemon",
		Long: `Start the KSI daemon on its Unix-domain stream socket.

The daemon will:
1. Load configuration (file, then KSI_ environment overrides)
2. Open the event log, state, composition, and discovery databases
3. Register the event handler surface
4. Listen on the configured socket for newline-delimited JSON events

Graceful shutdown runs on SIGINT/SIGTERM or a system:shutdown event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}
