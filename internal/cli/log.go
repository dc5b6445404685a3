package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/kyson-dev/akon/internal/env"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

func newLogCommand() *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show daemon logs",
		Long: `Show daemon logs.

Prints the last lines of the daemon log file; with --follow keeps streaming
new records, across log rotation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath := env.Get().LogFile
			if LogFile != "" {
				logPath = LogFile
			}
			if !fileExists(logPath) {
				return fmt.Errorf("no log file at %s (is the daemon running in background?)", logPath)
			}

			out := cmd.OutOrStdout()
			if err := showLastLines(out, logPath, lines); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return tailLog(cmd, logPath)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new log records")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of lines to show")

	return cmd
}

func tailLog(cmd *cobra.Command, logPath string) error {
	t, err := tail.TailFile(logPath, tail.Config{
		Follow:   true,
		ReOpen:   true, // 支持日志轮转后继续读
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail file: %w", err)
	}
	defer t.Cleanup()

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			fmt.Fprintln(cmd.OutOrStdout(), line.Text)
		}
	}
}

// showLastLines prints the final n lines of path.
func showLastLines(w io.Writer, path string, n int) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if n <= 0 || len(content) == 0 {
		return nil
	}

	content = bytes.TrimRight(content, "\n")
	start := len(content)
	for i := 0; i < n && start > 0; i++ {
		idx := bytes.LastIndexByte(content[:start], '\n')
		if idx < 0 {
			start = 0
			break
		}
		start = idx
	}
	if start > 0 {
		start++ // skip the newline itself
	}
	_, err = fmt.Fprintf(w, "%s\n", content[start:])
	return err
}
