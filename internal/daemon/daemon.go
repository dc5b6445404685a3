package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/health"
	"github.com/kyson-dev/akon/internal/ipc"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/kyson-dev/akon/internal/netmon"
	"github.com/kyson-dev/akon/internal/reconnect"
	"github.com/kyson-dev/akon/internal/state"
	"github.com/kyson-dev/akon/internal/tunnel"
)

// CleanupFunc terminates tunnel client processes by name, sparing keep.
type CleanupFunc func(ctx context.Context, name string, keep ...int32) (int, error)

type Option func(*Daemon)

// WithMonitor replaces the OS network monitor.
func WithMonitor(m reconnect.Monitor) Option {
	return func(d *Daemon) { d.monitor = m }
}

// WithProber replaces the HTTP health checker.
func WithProber(p reconnect.Prober) Option {
	return func(d *Daemon) { d.prober = p }
}

// WithTunnel replaces the command establisher.
func WithTunnel(t reconnect.Tunnel) Option {
	return func(d *Daemon) { d.tunnel = t }
}

func WithCleanup(fn CleanupFunc) Option {
	return func(d *Daemon) { d.cleanup = fn }
}

// WithManagerOptions is passed through to reconnect.New.
func WithManagerOptions(opts ...reconnect.Option) Option {
	return func(d *Daemon) { d.mgrOpts = append(d.mgrOpts, opts...) }
}

// WithReady is signalled once the IPC socket accepts connections.
func WithReady(ch chan<- struct{}) Option {
	return func(d *Daemon) { d.ready = ch }
}

// Daemon hosts the reconnection manager and answers CLI commands over IPC.
type Daemon struct {
	cfg   config.File
	paths env.Paths

	monitor reconnect.Monitor
	prober  reconnect.Prober
	tunnel  reconnect.Tunnel
	cleanup CleanupFunc
	mgrOpts []reconnect.Option
	ready   chan<- struct{}

	mgr *reconnect.Manager
	log *slog.Logger
}

func New(cfg config.File, paths env.Paths, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		paths:   paths,
		cleanup: tunnel.CleanupOrphans,
		log:     logger.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve runs until ctx is cancelled or a shutdown command arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	// 检查是否已有实例在运行（通过尝试获取锁）
	lock, err := env.AcquireLock(d.paths.LockFile)
	if err != nil {
		return fmt.Errorf("another instance is already running: %w", err)
	}
	defer lock.Release()

	closeMonitor := d.setup(ctx)
	defer closeMonitor()

	d.mgr = reconnect.New(d.cfg.Reconnection, d.monitor, d.prober, d.tunnel,
		append([]reconnect.Option{reconnect.WithStatePath(d.paths.StateFile)}, d.mgrOpts...)...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// manager 退出后关闭 IPC 和日志
		defer cancel()
		return d.mgr.Run(gctx)
	})
	g.Go(func() error {
		return ipc.Serve(gctx, d.paths.SocketFile, d, &ipc.ServerOptions{
			ReadTimeout:   5 * time.Second,
			WriteTimeout:  30 * time.Second,
			HandleTimeout: 25 * time.Second,
			Ready:         d.ready,
		})
	})
	g.Go(func() error {
		d.journal(gctx, d.mgr.SubscribeState())
		return nil
	})

	d.log.Info("daemon started", "pid", os.Getpid(), "socket", d.paths.SocketFile, "state", d.mgr.SubscribeState().Latest().Kind)
	err = g.Wait()
	os.Remove(d.paths.SocketFile)
	d.log.Info("daemon stopped")
	return err
}

// setup builds the default collaborators that were not injected.
func (d *Daemon) setup(ctx context.Context) func() {
	closer := func() {}

	if d.monitor == nil {
		if m := d.openMonitor(ctx); m != nil {
			d.monitor = m
			closer = func() { m.Close() }
		}
	}

	if d.prober == nil && d.cfg.Reconnection.HealthCheckEndpoint != "" {
		c, err := health.New(d.cfg.Reconnection.HealthCheckEndpoint, d.cfg.Monitor.ProbeTimeout())
		if err != nil {
			d.log.Warn("health checks disabled", "error", err)
		} else {
			d.prober = c
		}
	}
	if d.prober == nil {
		d.log.Info("no health check endpoint configured, relying on network events")
	}

	if d.tunnel == nil {
		d.tunnel = tunnel.NewCommandEstablisher(d.cfg.Tunnel)
	}
	return closer
}

// openMonitor tries the configured backend, then netlink.
func (d *Daemon) openMonitor(ctx context.Context) *netmon.Monitor {
	backends := []string{d.cfg.Monitor.Backend}
	if d.cfg.Monitor.Backend != config.BackendNetlink {
		backends = append(backends, config.BackendNetlink)
	}
	for _, b := range backends {
		m, err := netmon.New(ctx, netmon.Options{Backend: b})
		if err == nil {
			d.log.Info("network monitor ready", "backend", b, "sources", m.Sources())
			return m
		}
		d.log.Warn("network monitor unavailable", "backend", b, "error", err)
	}
	d.log.Warn("running without network events")
	return nil
}

// journal logs every state the manager publishes.
func (d *Daemon) journal(ctx context.Context, rx *reconnect.StateReceiver) {
	for {
		s, err := rx.Next(ctx)
		if err != nil {
			return
		}
		d.log.Info("state", "kind", s.Kind, "status", s.String())
	}
}

// Handle routes the CLI commands to the proper handlers.
func (d *Daemon) Handle(ctx context.Context, cmd ipc.CommandMessage) ipc.CommandResult {
	if d.mgr == nil {
		return ipc.Fail(errors.New("daemon not ready"))
	}
	d.log.Info("command received", "command", cmd.Name)

	switch cmd.Name {
	case ipc.CmdStatus:
		return d.status()
	case ipc.CmdConnect:
		return d.send(ctx, reconnect.CmdStart)
	case ipc.CmdDisconnect:
		return d.send(ctx, reconnect.CmdStop)
	case ipc.CmdReset:
		return d.send(ctx, reconnect.CmdResetRetries)
	case ipc.CmdCheck:
		return d.send(ctx, reconnect.CmdCheckNow)
	case ipc.CmdShutdown:
		return d.send(ctx, reconnect.CmdShutdown)
	case ipc.CmdCleanup:
		return d.handleCleanup(ctx)
	default:
		return ipc.Fail(fmt.Errorf("unknown command: %s", cmd.Name))
	}
}

func (d *Daemon) status() ipc.CommandResult {
	return ipc.OK(map[string]any{
		"state":      d.mgr.SubscribeState().Latest(),
		"daemon_pid": os.Getpid(),
	})
}

func (d *Daemon) send(ctx context.Context, cmd reconnect.Command) ipc.CommandResult {
	if err := d.mgr.CommandSender().Send(ctx, cmd); err != nil {
		return ipc.Fail(fmt.Errorf("%s: %w", cmd, err))
	}
	return d.status()
}

// handleCleanup spares the client of the current session.
func (d *Daemon) handleCleanup(ctx context.Context) ipc.CommandResult {
	var keep []int32
	if s := d.mgr.SubscribeState().Latest(); s.Kind == state.KindConnected && s.Metadata != nil && s.Metadata.PID > 0 {
		keep = append(keep, int32(s.Metadata.PID))
	}

	n, err := d.cleanup(ctx, d.cfg.Tunnel.Process(), keep...)
	if err != nil {
		d.log.Warn("cleanup incomplete", "terminated", n, "error", err)
		return ipc.CommandResult{Status: ipc.StatusError, Error: err.Error(), Data: map[string]any{"terminated": n}}
	}
	d.log.Info("cleanup done", "terminated", n)
	return ipc.OK(map[string]any{"terminated": n})
}
