package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/ipc"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/kyson-dev/akon/internal/tunnel"
	"github.com/spf13/cobra"
)

// cleanupTimeout covers a few clients that each need the full SIGTERM grace period.
const cleanupTimeout = 30 * time.Second

// localCleanup is replaced in tests.
var localCleanup = tunnel.CleanupOrphans

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate orphaned tunnel client processes",
		Long: `Terminate orphaned tunnel client processes.

With the daemon running, the client of the current session is kept.
Without it, every process named like the configured client is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := runCleanup(cmd.Context())
			if err != nil {
				return err
			}
			switch n {
			case 0:
				fmt.Fprintln(cmd.OutOrStdout(), "No orphaned tunnel processes found")
			case 1:
				fmt.Fprintln(cmd.OutOrStdout(), "Terminated 1 orphaned tunnel process")
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Terminated %d orphaned tunnel processes\n", n)
			}
			return nil
		},
	}
}

func runCleanup(ctx context.Context) (int, error) {
	resp, err := dispatchWithTimeout(ctx, ipc.CmdCleanup, nil, cleanupTimeout)
	if err == nil {
		n, _ := resp.Data["terminated"].(float64)
		return int(n), nil
	}
	if !errors.Is(err, errDaemonUnavailable) {
		return 0, err
	}

	cfg, err := config.Load(env.Get().ConfigFile)
	if err != nil {
		return 0, err
	}
	logger.Debug("daemon not running, cleaning up locally", "process", cfg.Tunnel.Process())
	return localCleanup(ctx, cfg.Tunnel.Process())
}
