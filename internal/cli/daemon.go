package cli

import (
	"cmp"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/daemon"
	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/spf13/cobra"
)

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "daemon",
		Aliases:     []string{"run"},
		Short:       "Run the keep-alive daemon in the foreground",
		Annotations: map[string]string{selfLogging: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := env.Get()
			cfg, err := config.Load(paths.ConfigFile)
			if err != nil {
				return err
			}

			overrides, err := env.LoadOverrides()
			if err != nil {
				return err
			}
			logger.Setup(logger.Config{
				Debug:    GlobalDebug,
				Level:    cmp.Or(overrides.LogLevel, cfg.Log.Level),
				FilePath: cmp.Or(LogFile, cfg.Log.File),
			})
			logger.Info("configuration loaded", "path", paths.ConfigFile, "server", cfg.Tunnel.Server, "backend", cfg.Monitor.Backend)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := daemon.New(cfg, paths).Serve(ctx); err != nil {
				logger.Error("daemon exited", "error", err)
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}
}
