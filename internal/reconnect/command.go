package reconnect

import (
	"context"
	"fmt"
)

// Command is a request to the manager's event loop.
type Command int

const (
	CmdStart Command = iota + 1
	CmdStop
	CmdResetRetries
	CmdCheckNow
	CmdShutdown
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdResetRetries:
		return "reset_retries"
	case CmdCheckNow:
		return "check_now"
	case CmdShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// CommandSender delivers commands to a running manager.
type CommandSender interface {
	Send(ctx context.Context, cmd Command) error
}

type commandSender struct {
	cmds chan<- Command
	done <-chan struct{}
}

func (s commandSender) Send(ctx context.Context, cmd Command) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
