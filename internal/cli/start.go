package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/ipc"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	var noConnect bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in background and connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if _, err := daemonState(ctx); err == nil {
				fmt.Fprintln(out, "akon daemon is already running")
			} else if !errors.Is(err, errDaemonUnavailable) {
				return err
			} else if err := spawnDaemon(ctx, out); err != nil {
				return err
			}

			if noConnect {
				return nil
			}
			if _, err := dispatchToDaemon(ctx, ipc.CmdConnect, nil); err != nil {
				return requireDaemon(err)
			}
			return waitAndRender(ctx, out, wait)
		},
	}

	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "Only start the daemon")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 90*time.Second, "How long to wait for the tunnel (0 to return immediately)")

	return cmd
}

func spawnDaemon(ctx context.Context, out io.Writer) error {
	// 1. 准备启动参数
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// 使用 env 获取路径
	paths := env.Get()
	logFile := paths.LogFile
	if LogFile != "" {
		logFile = LogFile
	}

	// 传递 --home 给子进程，确保子进程使用相同的目录
	runArgs := []string{"--home", paths.HomeDir, "--log", logFile}
	if logger.IsDebug() {
		runArgs = append(runArgs, "--debug")
	}
	runArgs = append(runArgs, "daemon")

	// 2. 创建命令对象
	command := exec.Command(exePath, runArgs...)
	// 脱离终端会话，关闭终端不影响守护进程
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// 将子进程的 stdout/stderr 重定向到 /dev/null，日志写入文件
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		command.Stdout = devNull
		command.Stderr = devNull
		defer devNull.Close()
	}
	command.Stdin = nil

	// 3. 启动子进程
	if err := command.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := command.Process.Pid
	go command.Wait()

	// 4. 等待一小会儿，确保 daemon 可用
	timeout := time.After(3 * time.Second)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("daemon failed to start; check logs (log: %s)", logFile)
		case <-ticker.C:
			if _, err := daemonState(ctx); err == nil {
				fmt.Fprintf(out, "akon daemon started [PID: %d]\n", pid)
				fmt.Fprintf(out, "Log file: %s\n", logFile)
				return nil
			}
		}
	}
}
