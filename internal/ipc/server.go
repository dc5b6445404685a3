package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kyson-dev/akon/internal/logger"
)

const unixSocketPerm = 0600

// ErrEmptyCommand is returned for a request without a command name.
var ErrEmptyCommand = errors.New("empty command name")

// ServerOptions control Serve behavior.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// HandleTimeout bounds a single handler call; zero means no limit.
	HandleTimeout time.Duration
	// Ready is signalled once the socket accepts connections.
	Ready chan<- struct{}
}

// Serve listens on socketPath and answers one CommandMessage per connection
// until ctx is cancelled.
func Serve(ctx context.Context, socketPath string, handler CommandHandler, opts *ServerOptions) error {
	if handler == nil {
		return errors.New("ipc: handler is required")
	}
	if opts == nil {
		opts = &ServerOptions{}
	}

	listener, err := listen(socketPath)
	if err != nil {
		return err
	}
	if opts.Ready != nil {
		select {
		case opts.Ready <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	connCtx, connCancel := context.WithCancel(ctx)
	defer func() {
		connCancel()
		listener.Close()
		wg.Wait()
	}()

	// 监听 context 取消，主动关闭 listener
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(connCtx, conn, handler, opts)
		}()
	}
}

// listen replaces any leftover socket and restricts it to the owner.
func listen(socketPath string) (net.Listener, error) {
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("ipc: prepare socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("ipc: create socket dir: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(socketPath, unixSocketPerm); err != nil {
		listener.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return listener, nil
}

func serveConn(ctx context.Context, conn net.Conn, handler CommandHandler, opts *ServerOptions) {
	defer conn.Close()

	now := time.Now()
	if opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(now.Add(opts.ReadTimeout))
	}
	if opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(now.Add(opts.WriteTimeout))
	}

	var (
		cmd  CommandMessage
		resp CommandResult
	)
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		logger.Debug("ipc decode failed", "error", err)
		resp = Fail(fmt.Errorf("decode request: %w", err))
	} else {
		resp = dispatch(ctx, handler, cmd, opts.HandleTimeout)
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logger.Debug("ipc write failed", "command", cmd.Name, "error", err)
	}
}

// dispatch runs one handler call; a panic becomes an error result.
func dispatch(ctx context.Context, handler CommandHandler, cmd CommandMessage, timeout time.Duration) (resp CommandResult) {
	if cmd.Name == "" {
		return Fail(ErrEmptyCommand)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ipc handler panic", "command", cmd.Name, "panic", r)
			resp = Fail(fmt.Errorf("%s: handler panic: %v", cmd.Name, r))
		}
	}()

	resp = handler.Handle(ctx, cmd)
	if resp.Status == "" {
		resp.Status = StatusOK
	}
	return resp
}
