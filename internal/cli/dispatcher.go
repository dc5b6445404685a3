package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/ipc"
	"github.com/kyson-dev/akon/internal/state"
)

var errDaemonUnavailable = errors.New("daemon unavailable")
var ErrDaemonUnavailable = errDaemonUnavailable

var commandSenderFactory = defaultCommandSenderFactory

func defaultCommandSenderFactory() ipc.CommandSender {
	return ipc.NewUnixSender(env.Get().SocketFile)
}

// SetCommandSenderFactory lets tests replace the command sender.
func SetCommandSenderFactory(factory func() ipc.CommandSender) {
	if factory == nil {
		commandSenderFactory = defaultCommandSenderFactory
		return
	}
	commandSenderFactory = factory
}

// ResetCommandSenderFactory restores the default sender.
func ResetCommandSenderFactory() {
	commandSenderFactory = defaultCommandSenderFactory
}

// dispatchToDaemon sends a command message to the daemon, returning errDaemonUnavailable when the socket is unreachable.
func dispatchToDaemon(ctx context.Context, name string, payload map[string]any) (ipc.CommandResult, error) {
	return dispatchWithTimeout(ctx, name, payload, 0)
}

// dispatchWithTimeout is dispatchToDaemon for commands that outlive the default socket deadline.
func dispatchWithTimeout(ctx context.Context, name string, payload map[string]any, timeout time.Duration) (ipc.CommandResult, error) {
	sender := commandSenderFactory()
	if us, ok := sender.(*ipc.UnixSender); ok && timeout > 0 {
		us.Timeout = timeout
	}
	resp, err := sender.Send(ctx, ipc.CommandMessage{Name: name, Payload: payload})
	if err != nil {
		if isDaemonUnavailable(err) {
			return ipc.CommandResult{}, errDaemonUnavailable
		}
		return ipc.CommandResult{}, fmt.Errorf("ipc send failed: %w", err)
	}
	if resp.Status == "" {
		resp.Status = ipc.StatusOK
	}
	if resp.Status != ipc.StatusOK {
		if resp.Error != "" {
			return resp, fmt.Errorf("daemon error: %s", resp.Error)
		}
		return resp, fmt.Errorf("daemon responded with status %s", resp.Status)
	}
	return resp, nil
}

// daemonState asks the daemon for the current ConnectionState.
func daemonState(ctx context.Context) (state.ConnectionState, error) {
	resp, err := dispatchToDaemon(ctx, ipc.CmdStatus, nil)
	if err != nil {
		return state.ConnectionState{}, err
	}
	var s state.ConnectionState
	if err := resp.Decode("state", &s); err != nil {
		return state.ConnectionState{}, err
	}
	return s, nil
}

func isDaemonUnavailable(err error) bool {
	return errors.Is(err, ipc.ErrUnavailable) || errors.Is(err, os.ErrNotExist)
}

// requireDaemon turns errDaemonUnavailable into a hint.
func requireDaemon(err error) error {
	if errors.Is(err, errDaemonUnavailable) {
		return fmt.Errorf("akon daemon is not running (start it with: akon start)")
	}
	return err
}
