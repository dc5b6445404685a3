package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnavailable wraps dial failures: nobody is listening on the socket.
var ErrUnavailable = errors.New("ipc: daemon unavailable")

// CommandSender dispatches command messages to the daemon.
type CommandSender interface {
	Send(ctx context.Context, cmd CommandMessage) (CommandResult, error)
}

// UnixSender dials the unix socket each time Send is invoked.
type UnixSender struct {
	Socket string
	// Timeout bounds dial plus round trip; a sooner ctx deadline wins.
	Timeout time.Duration
}

// NewUnixSender returns a CommandSender that communicates over a unix socket.
func NewUnixSender(socket string) *UnixSender {
	return &UnixSender{
		Socket:  socket,
		Timeout: 2 * time.Second,
	}
}

func (s *UnixSender) Send(ctx context.Context, cmd CommandMessage) (CommandResult, error) {
	if s == nil || s.Socket == "" {
		return CommandResult{}, errors.New("ipc: invalid unix sender")
	}

	deadline := time.Now().Add(s.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", s.Socket)
	if err != nil {
		return CommandResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return CommandResult{}, fmt.Errorf("ipc: set deadline: %w", err)
	}
	return roundTrip(conn, cmd)
}

func roundTrip(conn net.Conn, cmd CommandMessage) (CommandResult, error) {
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return CommandResult{}, fmt.Errorf("ipc: send %s: %w", cmd.Name, err)
	}
	var resp CommandResult
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return CommandResult{}, fmt.Errorf("ipc: read %s response: %w", cmd.Name, err)
	}
	return resp, nil
}

// FakeSender allows CLI tests to inject deterministic responses.
type FakeSender struct {
	Response CommandResult
	Err      error
	Sent     []CommandMessage
}

func (f *FakeSender) Send(ctx context.Context, cmd CommandMessage) (CommandResult, error) {
	f.Sent = append(f.Sent, cmd)
	if f.Err != nil {
		return CommandResult{}, f.Err
	}
	return f.Response, nil
}
