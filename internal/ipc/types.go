package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Command names understood by the daemon.
const (
	CmdStatus     = "status"
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdReset      = "reset"
	CmdCheck      = "check"
	CmdCleanup    = "cleanup"
	CmdShutdown   = "shutdown"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CommandMessage represents a single CLI request dispatched to the daemon.
type CommandMessage struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CommandResult is returned by the daemon to the CLI that issued the CommandMessage.
type CommandResult struct {
	Status string         `json:"status"` // "ok" or "error"
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// OK builds a successful result.
func OK(data map[string]any) CommandResult {
	return CommandResult{Status: StatusOK, Data: data}
}

// Fail builds an error result.
func Fail(err error) CommandResult {
	return CommandResult{Status: StatusError, Error: err.Error()}
}

// Err returns the daemon-side error, if any.
func (r CommandResult) Err() error {
	if r.Status == StatusError {
		return fmt.Errorf("daemon: %s", r.Error)
	}
	return nil
}

// Decode re-reads Data[key] into v. Values crossed the socket as generic
// JSON, so typed payloads are recovered by a second round of encoding.
func (r CommandResult) Decode(key string, v any) error {
	raw, ok := r.Data[key]
	if !ok {
		return fmt.Errorf("ipc: response has no %q", key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("ipc: encode %q: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("ipc: decode %q: %w", key, err)
	}
	return nil
}

// CommandHandler processes CommandMessages in the daemon and returns a result.
type CommandHandler interface {
	Handle(ctx context.Context, cmd CommandMessage) CommandResult
}

// HandlerFunc is a helper wrapper that lets a function satisfy CommandHandler.
type HandlerFunc func(ctx context.Context, cmd CommandMessage) CommandResult

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, cmd CommandMessage) CommandResult {
	if f == nil {
		return Fail(errors.New("handler func nil"))
	}
	return f(ctx, cmd)
}
