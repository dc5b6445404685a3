package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kyson-dev/akon/internal/logger"
)

const (
	// TerminateTimeout is how long a process gets between SIGTERM and SIGKILL.
	TerminateTimeout = 5 * time.Second
	pollInterval     = 500 * time.Millisecond
)

// Terminate sends SIGTERM, waits up to timeout polling every 500ms, then
// sends SIGKILL. A process that is already gone is not an error.
func Terminate(ctx context.Context, pid int32, timeout time.Duration) error {
	// 清理必须完成，即使调用方已经取消
	ctx = context.WithoutCancel(ctx)

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	log := logger.With("pid", pid)
	if err := p.TerminateWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return nil
		}
		log.Warn("SIGTERM failed, forcing kill", "error", err)
		return p.KillWithContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	for {
		if running, err := p.IsRunningWithContext(ctx); err == nil && !running {
			log.Debug("process terminated gracefully")
			return nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(min(pollInterval, time.Until(deadline)))
	}

	log.Warn("process did not exit, forcing kill", "timeout", timeout)
	if err := p.KillWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return nil
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// FindProcesses lists pids whose executable name is name, excluding ourselves.
func FindProcesses(ctx context.Context, name string) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	var pids []int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		pids = append(pids, p.Pid)
	}
	return pids, nil
}

// Alive reports whether pid still exists.
func Alive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// CleanupOrphans terminates every process named name except those in keep,
// and reports how many were stopped.
func CleanupOrphans(ctx context.Context, name string, keep ...int32) (int, error) {
	pids, err := FindProcesses(ctx, name)
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, pid := range pids {
		if slices.Contains(keep, pid) {
			continue
		}
		logger.Info("terminating orphaned tunnel process", "pid", pid, "name", name)
		if err := Terminate(ctx, pid, TerminateTimeout); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}
