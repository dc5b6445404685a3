package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kyson-dev/akon/internal/ipc"
	"github.com/kyson-dev/akon/internal/state"
	"github.com/kyson-dev/akon/internal/tunnel"
	"github.com/kyson-dev/akon/internal/ui/status"
	"github.com/spf13/cobra"
)

const pollInterval = 250 * time.Millisecond

func newConnectCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Establish the tunnel (clears a previous disconnect)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dispatchToDaemon(cmd.Context(), ipc.CmdConnect, nil); err != nil {
				return requireDaemon(err)
			}
			return waitAndRender(cmd.Context(), cmd.OutOrStdout(), wait)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 90*time.Second, "How long to wait for the tunnel (0 to return immediately)")
	return cmd
}

func newDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tear down the tunnel and stop automatic reconnection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dispatchToDaemon(cmd.Context(), ipc.CmdDisconnect, nil); err != nil {
				return requireDaemon(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Disconnecting; automatic reconnection is off until the next connect")
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the retry counter and clear an error state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dispatchToDaemon(cmd.Context(), ipc.CmdReset, nil); err != nil {
				return requireDaemon(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Retry counter reset")
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a health check now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dispatchToDaemon(cmd.Context(), ipc.CmdCheck, nil); err != nil {
				return requireDaemon(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Health check requested; see akon log for the result")
			return nil
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon, leaving the tunnel as it is",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := dispatchToDaemon(cmd.Context(), ipc.CmdShutdown, nil); err != nil {
				return requireDaemon(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "akon daemon stopped")
			return nil
		},
	}
}

// waitAndRender polls until the tunnel is up, has failed, or wait expires.
func waitAndRender(ctx context.Context, out io.Writer, wait time.Duration) error {
	s, err := daemonState(ctx)
	if err != nil {
		return requireDaemon(err)
	}

	deadline := time.Now().Add(wait)
	for !settled(s) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
		if s, err = daemonState(ctx); err != nil {
			return requireDaemon(err)
		}
	}

	fmt.Fprintln(out, renderState(ctx, s))
	if s.Kind == state.KindError {
		return &ExitError{Code: state.ExitError}
	}
	return nil
}

func settled(s state.ConnectionState) bool {
	return s.Kind == state.KindConnected || s.Kind == state.KindError
}

func renderState(ctx context.Context, s state.ConnectionState) string {
	return status.Render(s, viewFor(ctx, s))
}

func viewFor(ctx context.Context, s state.ConnectionState) status.View {
	v := status.View{Now: time.Now()}
	if s.Kind == state.KindConnected && s.Metadata != nil {
		v.ProcessAlive = s.Metadata.PID == 0 || processAlive(ctx, int32(s.Metadata.PID))
	}
	return v
}

// processAlive is replaced in tests.
var processAlive = tunnel.Alive
