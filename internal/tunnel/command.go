package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/kyson-dev/akon/internal/state"
)

type clientProc struct {
	pid  int32
	done chan struct{}
}

// CommandEstablisher runs the configured VPN client (openconnect by
// default) as a detached process and waits for it to report an address.
type CommandEstablisher struct {
	cfg          config.TunnelConfig
	readyTimeout time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	current *clientProc
}

var _ Establisher = (*CommandEstablisher)(nil)

func NewCommandEstablisher(cfg config.TunnelConfig) *CommandEstablisher {
	return &CommandEstablisher{
		cfg:          cfg,
		readyTimeout: cfg.ReadyTimeout(),
		log:          logger.With("component", "tunnel"),
	}
}

// password runs password_command. Its output is never logged.
func (e *CommandEstablisher) password(ctx context.Context) (string, error) {
	if e.cfg.PasswordCommand == "" {
		return "", nil
	}
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", e.cfg.PasswordCommand).Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPasswordCommand, err)
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

func (e *CommandEstablisher) Establish(ctx context.Context) (state.Metadata, error) {
	password, err := e.password(ctx)
	if err != nil {
		return state.Metadata{}, err
	}
	usePassword := e.cfg.PasswordCommand != ""

	args := Args(e.cfg.Protocol, e.cfg.User, e.cfg.Server, e.cfg.Args, usePassword)
	cmd := exec.Command(e.cfg.Command, args...)
	// 独立会话：守护进程重启时隧道不受影响
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return state.Metadata{}, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	var stdin io.WriteCloser
	if usePassword {
		if stdin, err = cmd.StdinPipe(); err != nil {
			pr.Close()
			pw.Close()
			return state.Metadata{}, fmt.Errorf("create stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return state.Metadata{}, fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}
	pw.Close()

	proc := &clientProc{pid: int32(cmd.Process.Pid), done: make(chan struct{})}
	log := e.log.With("pid", proc.pid)
	log.Info("tunnel client started", "command", e.cfg.Command, "args", args)

	var exitErr error
	go func() {
		exitErr = cmd.Wait()
		close(proc.done)
	}()

	if usePassword {
		io.WriteString(stdin, password+"\n")
		stdin.Close()
	}

	lines := make(chan outputLine, 8)
	lastLine := make(chan string, 1)
	go scanOutput(pr, lines, lastLine, log)

	timer := time.NewTimer(e.readyTimeout)
	defer timer.Stop()

	for {
		select {
		case l := <-lines:
			switch l.kind {
			case lineReady:
				e.mu.Lock()
				e.current = proc
				e.mu.Unlock()
				go func() {
					<-proc.done
					log.Info("tunnel client exited", "error", exitErr)
				}()
				return state.Metadata{
					Address:   l.address,
					Interface: l.device,
					StartedAt: time.Now().UTC(),
					PID:       int(proc.pid),
				}, nil
			case lineAuthFailed:
				e.stop(proc)
				return state.Metadata{}, ErrAuthenticationFailed
			}

		case <-proc.done:
			last := ""
			select {
			case last = <-lastLine:
			case <-time.After(100 * time.Millisecond):
			}
			return state.Metadata{}, fmt.Errorf("%w: %v (last output: %q)", ErrExited, exitErr, last)

		case <-timer.C:
			e.stop(proc)
			return state.Metadata{}, fmt.Errorf("%w after %s", ErrReadyTimeout, e.readyTimeout)

		case <-ctx.Done():
			e.stop(proc)
			return state.Metadata{}, ctx.Err()
		}
	}
}

// scanOutput forwards classified lines until EOF, then reports the last
// non-empty line.
func scanOutput(r io.ReadCloser, lines chan<- outputLine, lastLine chan<- string, log *slog.Logger) {
	defer r.Close()

	last := ""
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		last = line
		log.Debug("tunnel client output", "line", line)

		if l := parseLine(line); l.kind != lineOther {
			select {
			case lines <- l:
			default:
			}
		}
	}
	lastLine <- last
}

func (e *CommandEstablisher) stop(proc *clientProc) {
	if err := Terminate(context.Background(), proc.pid, TerminateTimeout); err != nil {
		e.log.Warn("terminate tunnel client", "pid", proc.pid, "error", err)
	}
}

// Teardown stops the tunnel described by md, or the one this establisher
// started. Without any pid it falls back to cleaning up by process name.
func (e *CommandEstablisher) Teardown(ctx context.Context, md state.Metadata) error {
	e.mu.Lock()
	cur := e.current
	e.current = nil
	e.mu.Unlock()

	pids := map[int32]struct{}{}
	if md.PID > 0 {
		pids[int32(md.PID)] = struct{}{}
	}
	if cur != nil {
		pids[cur.pid] = struct{}{}
	}

	if len(pids) == 0 {
		n, err := CleanupOrphans(ctx, e.cfg.Process())
		if n > 0 {
			e.log.Info("cleaned up orphaned tunnel clients", "count", n)
		}
		return err
	}

	var firstErr error
	for pid := range pids {
		e.log.Info("stopping tunnel client", "pid", pid)
		if err := Terminate(ctx, pid, TerminateTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
