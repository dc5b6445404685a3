package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/kyson-dev/akon/internal/state"
	"github.com/spf13/cobra"
)

// exitStale is returned when the state claims a tunnel whose client died.
const exitStale = 2

const (
	readAttempts = 3
	readDelay    = 50 * time.Millisecond
)

func newStatusCommand() *cobra.Command {
	var asJSON, watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection state",
		Long: `Show the connection state.

Exit codes: 0 connected or reconnecting, 1 disconnected, 2 stale state, 3 error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if watch {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return watchState(ctx, out, env.Get().StateFile)
			}

			s, running, err := currentState(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(s); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, renderState(ctx, s))
				if !running {
					fmt.Fprintln(out, "\n(daemon not running; showing the last saved state. Start it with: akon start)")
				}
			}
			return exitFor(ctx, s)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw state as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-render whenever the state changes")
	return cmd
}

// currentState prefers the daemon and falls back to the state file.
func currentState(ctx context.Context) (state.ConnectionState, bool, error) {
	s, err := daemonState(ctx)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, errDaemonUnavailable) {
		return s, false, err
	}
	s, err = state.ReadWithRetry(ctx, env.Get().StateFile, readAttempts, readDelay)
	if err != nil {
		logger.Warn("state file unreadable", "path", env.Get().StateFile, "error", err)
		return state.Disconnected(), false, nil
	}
	return s, false, nil
}

func exitFor(ctx context.Context, s state.ConnectionState) error {
	code := state.ExitCode(s)
	if viewFor(ctx, s).Stale(s) {
		code = exitStale
	}
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// watchState re-renders on every write to the state file. The file is
// replaced by rename, so the directory is watched rather than the file.
func watchState(ctx context.Context, out io.Writer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch state: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	render := func() {
		s, err := state.ReadWithRetry(ctx, path, readAttempts, readDelay)
		if err != nil {
			logger.Warn("state file unreadable", "path", path, "error", err)
			return
		}
		fmt.Fprintf(out, "── %s ──\n%s\n\n", time.Now().Format("15:04:05"), renderState(ctx, s))
	}
	render()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				render()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("state watch error", "error", err)
		}
	}
}
